package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Severity grades a configuration issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one configuration problem, addressed by koanf path.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("koanf"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate returns every problem found in cfg: struct tag violations first,
// then cross-field checks. A nil result means the configuration is usable.
func Validate(cfg *Config) []Issue {
	var issues []Issue

	if err := getValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []Issue{{Severity: SeverityError, Path: "", Message: err.Error()}}
		}
		for _, fe := range verrs {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     fieldPath(fe),
				Message:  translate(fe),
			})
		}
	}

	if cfg.Metrics.Backend == "pushgateway" && strings.TrimSpace(cfg.Metrics.PushgatewayURL) == "" {
		issues = append(issues, Issue{SeverityError, "metrics.pushgateway_url", "required when metrics.backend is pushgateway"})
	}
	if cfg.Metrics.Backend == "datadog" && os.Getenv("DD_API_KEY") == "" {
		issues = append(issues, Issue{SeverityWarning, "metrics.backend", "DD_API_KEY is not set; submissions will be rejected"})
	}
	if cfg.Storage.ResolvedLockPath() == "" {
		issues = append(issues, Issue{SeverityWarning, "storage.lock_path", "no run lock for this store; concurrent runs are not excluded"})
	}
	if cfg.Runtime.Granularity == GranularityFile && !cfg.Runtime.ResetStaging {
		issues = append(issues, Issue{SeverityWarning, "runtime.reset_staging", "file granularity re-scans all previously staged rows on every file"})
	}
	return issues
}

// fieldPath turns "Config.storage.kind" into "storage.kind".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func translate(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
