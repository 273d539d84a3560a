package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"relgraph/internal/metadata"
	"relgraph/internal/platform"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult contains the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error returns a combined error message if there are validation errors.
func (r *ValidationResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	var msgs []string
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for errors and returns validation results.
// It returns both errors (fatal) and warnings (non-fatal issues).
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}

	c.Database.validate(result)
	c.validatePlatform(result)
	c.Planner.validate(result)
	c.Observability.validate(result)

	if strings.TrimSpace(c.Model.File) == "" {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "model.file",
			Message: "an entity model file is required",
			Hint:    "set model.file or pass --model.file",
		})
	}

	return result
}

func (d *DatabaseConfig) validate(result *ValidationResult) {
	switch d.Driver {
	case DriverMySQL, DriverPostgres:
	default:
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.driver",
			Message: fmt.Sprintf("unsupported driver %q", d.Driver),
			Hint:    "valid values are: mysql, postgres",
		})
	}

	if strings.TrimSpace(d.ConnectionString) != "" && strings.TrimSpace(d.ConnectionStringFile) != "" {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "database.dsn_file",
			Message: "dsn_file is ignored because dsn is set",
		})
	}

	// Port range validation (only if not using connection string)
	if d.ConnectionString == "" && (d.Port < 1 || d.Port > 65535) {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.port",
			Message: fmt.Sprintf("port %d is out of valid range (1-65535)", d.Port),
		})
	}

	if _, err := d.EffectiveDatabaseName(); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.dsn",
			Message: err.Error(),
			Hint:    "either remove database.database or set it to match the DSN",
		})
	}

	switch d.TLSMode {
	case "", "off", "skip-verify", "verify-full":
	default:
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.tls_mode",
			Message: fmt.Sprintf("invalid TLS mode %q", d.TLSMode),
			Hint:    "valid values are: off, skip-verify, verify-full",
		})
	}
	if d.TLSMode == "skip-verify" {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "database.tls_mode",
			Message: "server certificates are not verified",
			Hint:    "use verify-full outside development",
		})
	}

	// Connection pool validation
	if d.Pool.MaxOpen < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.pool.max_open",
			Message: "max_open cannot be negative",
		})
	}
	if d.Pool.MaxIdle < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.pool.max_idle",
			Message: "max_idle cannot be negative",
		})
	}
	if d.Pool.MaxOpen > 0 && d.Pool.MaxIdle > d.Pool.MaxOpen {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "database.pool.max_idle",
			Message: fmt.Sprintf("max_idle (%d) exceeds max_open (%d)", d.Pool.MaxIdle, d.Pool.MaxOpen),
			Hint:    "idle connections are capped at max_open",
		})
	}
}

func (c *Config) validatePlatform(result *ValidationResult) {
	if _, err := platform.New(c.PlatformName(), c.Platform.Timezone); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "platform.name",
			Message: err.Error(),
			Hint:    "valid values are: mysql, postgres",
		})
	}
	if c.Platform.Name != "" && c.PlatformName() != c.Database.Driver &&
		!(c.Database.Driver == DriverMySQL && (c.Platform.Name == "tidb" || c.Platform.Name == "mariadb")) {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "platform.name",
			Message: fmt.Sprintf("platform %q differs from driver %q", c.Platform.Name, c.Database.Driver),
		})
	}
	if tz := c.Platform.Timezone; tz != "" && !validTimezoneOffset(tz) {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "platform.timezone",
			Message: fmt.Sprintf("invalid timezone offset %q", tz),
			Hint:    "use an offset such as +00:00 or -05:30",
		})
	}
}

// validTimezoneOffset accepts "Z" and ±HH:MM offsets.
func validTimezoneOffset(tz string) bool {
	if tz == "Z" {
		return true
	}
	if len(tz) != 6 || (tz[0] != '+' && tz[0] != '-') || tz[3] != ':' {
		return false
	}
	for _, i := range []int{1, 2, 4, 5} {
		if tz[i] < '0' || tz[i] > '9' {
			return false
		}
	}
	return tz[1:3] <= "23" && tz[4:6] <= "59"
}

func (p *PlannerConfig) validate(result *ValidationResult) {
	if !metadata.LoadStrategy(p.LoadStrategy).Valid() {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "planner.load_strategy",
			Message: fmt.Sprintf("invalid load strategy %q", p.LoadStrategy),
			Hint:    "valid values are: joined, select-in",
		})
	}
	if p.MaxJoins < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "planner.max_joins",
			Message: "max_joins cannot be negative",
		})
	}
	if p.MaxDepth < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "planner.max_depth",
			Message: "max_depth cannot be negative",
		})
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	// Log level validation
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[o.Logging.Level] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "observability.logging.level",
			Message: fmt.Sprintf("invalid log level %q", o.Logging.Level),
			Hint:    "valid values are: debug, info, warn, error",
		})
	}

	// Log format validation
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[o.Logging.Format] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "observability.logging.format",
			Message: fmt.Sprintf("invalid log format %q", o.Logging.Format),
			Hint:    "valid values are: json, text",
		})
	}

	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "observability.trace_sample_ratio",
			Message: fmt.Sprintf("trace_sample_ratio %v is out of range", o.TraceSampleRatio),
			Hint:    "use a value between 0 and 1",
		})
	}

	if o.MetricsDump != "" && !o.MetricsEnabled {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "observability.metrics_dump",
			Message: "metrics_dump has no effect while metrics are disabled",
			Hint:    "set observability.metrics_enabled=true",
		})
	}

	o.OTLP.validate("observability.otlp", result)
	if o.Traces != nil {
		o.Traces.validate("observability.traces", result)
	}
	if o.Logs != nil {
		o.Logs.validate("observability.logs", result)
	}
}

func (o *OTLPConfig) validate(prefix string, result *ValidationResult) {
	validProtocols := map[string]bool{"": true, "grpc": true, "http": true, "http/protobuf": true}
	if !validProtocols[o.Protocol] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   prefix + ".protocol",
			Message: fmt.Sprintf("invalid OTLP protocol %q", o.Protocol),
			Hint:    "valid values are: grpc, http/protobuf",
		})
	}

	if o.Protocol == "http/protobuf" && !validOTLPEndpoint(o.Endpoint) {
		result.Errors = append(result.Errors, ValidationError{
			Field:   prefix + ".endpoint",
			Message: fmt.Sprintf("invalid OTLP endpoint %q for http/protobuf", o.Endpoint),
			Hint:    "use host:port or a full URL",
		})
	}

	validCompressions := map[string]bool{"": true, "none": true, "gzip": true}
	if !validCompressions[o.Compression] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   prefix + ".compression",
			Message: fmt.Sprintf("invalid OTLP compression %q", o.Compression),
			Hint:    "valid values are: none, gzip",
		})
	}

	if o.RetryMaxAttempts < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   prefix + ".retry_max_attempts",
			Message: "retry_max_attempts cannot be negative",
		})
	}
}

func validOTLPEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return false
		}
		return parsed.Host != ""
	}
	_, _, err := net.SplitHostPort(endpoint)
	return err == nil
}
