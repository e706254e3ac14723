package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/dittofc/pkg/fc/frame"
)

// Validate checks the configuration against its struct tags and the rules
// that span several fields: port names and WWPNs must be unique, and a
// point-to-point fabric links ports in pairs.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their configuration key rather than the Go name
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	validate.RegisterStructValidation(validatePorts, Config{})

	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// validatePorts reports cross-port conflicts on the Ports field.
func validatePorts(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)

	names := make(map[string]struct{}, len(cfg.Ports))
	wwpns := make(map[frame.WWN]struct{}, len(cfg.Ports))
	for _, p := range cfg.Ports {
		if _, dup := names[p.Name]; dup && p.Name != "" {
			sl.ReportError(cfg.Ports, "ports", "Ports", "unique_name", p.Name)
		}
		names[p.Name] = struct{}{}

		if _, dup := wwpns[p.WWPN]; dup && p.WWPN != 0 {
			sl.ReportError(cfg.Ports, "ports", "Ports", "unique_wwpn", p.WWPN.String())
		}
		wwpns[p.WWPN] = struct{}{}
	}

	if cfg.Fabric.Mode == FabricModePTP && len(cfg.Ports)%2 != 0 {
		sl.ReportError(cfg.Ports, "ports", "Ports", "even_ports", "")
	}
}

// formatValidationError joins validator errors into one readable message
// while keeping the failing tag in the text.
func formatValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s: failed on the '%s' tag", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += fmt.Sprintf(" (%s)", fe.Param())
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
