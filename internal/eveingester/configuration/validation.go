package configuration

import (
	"github.com/go-playground/validator/v10"
)

func (c EveIngesterConfiguration) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(validateDatabaseConfig, DatabaseConfig{})
	validate.RegisterStructValidation(validateErrorPolicy, EveIngesterConfiguration{})
	return validate.Struct(c)
}

func validateDatabaseConfig(sl validator.StructLevel) {
	c := sl.Current().Interface().(DatabaseConfig)
	switch c.Dialect {
	case "postgres":
		if len(c.Postgres.Connection) == 0 {
			sl.ReportError(c.Postgres.Connection, "Postgres.Connection", "Connection", "required", "")
		}
	case "sqlite3":
		if c.Sqlite.Path == "" {
			sl.ReportError(c.Sqlite.Path, "Sqlite.Path", "Path", "required", "")
		}
	}
}

func validateErrorPolicy(sl validator.StructLevel) {
	c := sl.Current().Interface().(EveIngesterConfiguration)
	switch c.ErrorPolicy {
	case "", ErrorPolicyFailFast, ErrorPolicyIsolate:
	default:
		sl.ReportError(c.ErrorPolicy, "ErrorPolicy", "ErrorPolicy", "oneof", "failFast isolate")
	}
}
