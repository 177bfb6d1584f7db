package boundary

import (
	"fmt"

	"qmove/internal/config"
	"qmove/internal/qmove"
)

// NewControlFromConfig creates a BoundaryControl implementation based on the control type.
func NewControlFromConfig(cfg config.ControlConfig, boundaries []config.BoundaryConfig, fsmgr qmove.FilesystemManager) (qmove.BoundaryControl, error) {
	switch cfg.Type {
	case "lustre":
		if cfg.Mount == "" {
			return nil, fmt.Errorf("lustre control requires mount to be set")
		}
		return NewLustreControl(cfg.LFSPath, cfg.Mount, nil), nil
	case "xattr":
		limits := make(map[string]Limit, len(boundaries))
		for _, b := range boundaries {
			if b.ID == "" {
				return nil, fmt.Errorf("boundary without id")
			}
			limits[b.ID] = Limit{Root: b.Root, Bytes: b.BytesLimit, Inodes: b.InodesLimit}
		}
		return NewXattrControl(cfg.XattrPrefix, limits, fsmgr), nil
	default:
		return nil, fmt.Errorf("unknown control type: %s", cfg.Type)
	}
}
