package main

import (
	"fmt"
	"io"

	"github.com/nerrad567/xenbackend/internal/backend"
	"github.com/nerrad567/xenbackend/internal/console"
	"github.com/nerrad567/xenbackend/internal/infrastructure/config"
	"github.com/nerrad567/xenbackend/internal/infrastructure/logging"
)

// classFactory builds the backend.Class for one configured device type.
type classFactory func(cfg *config.Config, poller console.Poller, stdout io.Writer, log *logging.Logger) (backend.Class, error)

// classFactories lists the device types xenbackd can serve.
var classFactories = map[string]classFactory{
	console.ClassName: newConsoleClass,
}

func newConsoleClass(cfg *config.Config, poller console.Poller, stdout io.Writer, log *logging.Logger) (backend.Class, error) {
	opts := console.Options{
		Poller: poller,
		Prefix: cfg.Console.Prefix,
	}
	switch cfg.Console.Output {
	case "stdout":
		opts.Output = stdout
	default:
		opts.Logger = log.Component("console")
	}
	return console.New(opts)
}

// buildClasses creates one class instance per configured device type.
//
// Parameters:
//   - cfg: Loaded configuration
//   - poller: Receives each bound event channel descriptor
//   - stdout: Console output when console.output is "stdout"
//   - log: Application logger
//
// Returns:
//   - map[string]backend.Class: Classes by type name
//   - error: If a configured type is unknown or cannot be built
func buildClasses(cfg *config.Config, poller console.Poller, stdout io.Writer, log *logging.Logger) (map[string]backend.Class, error) {
	classes := make(map[string]backend.Class, len(cfg.Backend.Classes))
	for _, cc := range cfg.Backend.Classes {
		if _, ok := classes[cc.Type]; ok {
			continue
		}
		factory, ok := classFactories[cc.Type]
		if !ok {
			return nil, fmt.Errorf("unsupported device class %q", cc.Type)
		}
		cls, err := factory(cfg, poller, stdout, log)
		if err != nil {
			return nil, fmt.Errorf("creating %s class: %w", cc.Type, err)
		}
		classes[cc.Type] = cls
	}
	return classes, nil
}

// registerBackends registers one backend per configured (type, guest).
//
// Each registration runs an initial discovery scan, so devices whose
// frontends are already present are driven before this returns.
func registerBackends(bctx *backend.Context, configured []config.ClassConfig, classes map[string]backend.Class, log *logging.Logger) error {
	for _, cc := range configured {
		cls, ok := classes[cc.Type]
		if !ok {
			return fmt.Errorf("unsupported device class %q", cc.Type)
		}
		for _, domid := range cc.DomIDs {
			b, err := bctx.Register(cc.Type, domid, cls, nil)
			if err != nil {
				return fmt.Errorf("registering %s backend for domain %d: %w", cc.Type, domid, err)
			}
			log.Info("backend registered",
				"class", cc.Type,
				"domid", domid,
				"path", b.Path(),
				"devices", len(b.Devices()),
			)
		}
	}
	return nil
}
