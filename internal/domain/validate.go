package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var serviceNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,62}$`)

var definitionValidate *validator.Validate

func init() {
	definitionValidate = validator.New(validator.WithRequiredStructEnabled())
	_ = definitionValidate.RegisterValidation("servicename", validateServiceName)
}

func validateServiceName(fl validator.FieldLevel) bool {
	return serviceNamePattern.MatchString(fl.Field().String())
}

// ValidName reports whether s is an acceptable service name.
func ValidName(s string) bool {
	return serviceNamePattern.MatchString(s)
}

// Validate checks structure and semantics of a definition.
// Every failure wraps ErrInvalidConfiguration.
func (d *ServiceDefinition) Validate() error {
	if err := definitionValidate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfiguration, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	switch {
	case !validEnum(serviceTypeNames, int(d.Type)):
		return invalid("unknown service type %d", d.Type)
	case !validEnum(strategyNames, int(d.Strategy)):
		return invalid("unknown strategy %d", d.Strategy)
	case !validEnum(checkKindNames, int(d.HealthCheck.Kind)):
		return invalid("unknown check kind %d", d.HealthCheck.Kind)
	case !validEnum(backoffNames, int(d.Recovery.Backoff.Kind)):
		return invalid("unknown backoff %d", d.Recovery.Backoff.Kind)
	case !validEnum(actionNames, int(d.Recovery.Action)):
		return invalid("unknown recovery action %d", d.Recovery.Action)
	}

	seen := make(map[string]bool, len(d.RequiredDependencies)+len(d.OptionalDependencies))
	for _, dep := range d.Dependencies() {
		if dep == d.Name {
			return invalid("%s depends on itself", d.Name)
		}
		if seen[dep] {
			return invalid("%s lists dependency %s twice", d.Name, dep)
		}
		seen[dep] = true
	}

	hc := d.HealthCheck
	switch hc.Kind {
	case CheckHTTP:
		if !strings.HasPrefix(hc.Target, "http://") && !strings.HasPrefix(hc.Target, "https://") {
			return invalid("http check needs an http(s) target, got %q", hc.Target)
		}
	case CheckTCP, CheckCommand:
		if hc.Target == "" {
			return invalid("%s check needs a target", hc.Kind)
		}
	}
	if hc.Timeout > 0 && hc.Interval > 0 && hc.Timeout > hc.Interval {
		return invalid("health check timeout %s exceeds interval %s", hc.Timeout, hc.Interval)
	}

	if d.Limits.MaxInstances > 0 && d.Limits.MaxInstances < d.ReplicaCount() {
		return invalid("max_instances %d below replicas %d", d.Limits.MaxInstances, d.ReplicaCount())
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}
