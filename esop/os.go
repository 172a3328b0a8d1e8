package esop

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
)

// ErrNotPointer indicates that SetConfigFromEnvVars received a value that is
// not a pointer to a struct.
var ErrNotPointer = errors.New("config must be a pointer to a struct")

// GetenvOrDefault returns the value of an environment variable, or
// defaultValue when the variable is unset or blank.
func GetenvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return defaultValue
	}

	return value
}

// GetenvBoolOrDefault returns the boolean value of an environment variable,
// or defaultValue when the variable is unset or not parseable as a bool.
func GetenvBoolOrDefault(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}

	return value
}

// GetenvIntOrDefault returns the integer value of an environment variable,
// or defaultValue when the variable is unset or not parseable as an int64.
func GetenvIntOrDefault(key string, defaultValue int64) int64 {
	value, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// SetConfigFromEnvVars fills the struct pointed to by s with values read from
// the environment variables named in each field's env tag. Fields without a
// tag, or whose variable is unset, keep their zero value. String, bool, and
// integer fields are supported.
func SetConfigFromEnvVars(s any) error {
	rv := reflect.ValueOf(s)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return ErrNotPointer
	}

	elem := rv.Elem()
	structType := elem.Type()

	for i := 0; i < elem.NumField(); i++ {
		field := elem.Field(i)

		tag, ok := structType.Field(i).Tag.Lookup("env")
		if !ok || tag == "" || !field.CanSet() {
			continue
		}

		switch field.Kind() {
		case reflect.String:
			field.SetString(os.Getenv(tag))
		case reflect.Bool:
			field.SetBool(GetenvBoolOrDefault(tag, false))
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			field.SetInt(GetenvIntOrDefault(tag, 0))
		}
	}

	return nil
}

// LocalEnvConfig marks that the local environment bootstrap ran.
type LocalEnvConfig struct {
	Initialized bool
}

var (
	localEnvConfig     *LocalEnvConfig
	localEnvConfigOnce sync.Once
)

// InitLocalEnvConfig prints the running version and environment name once per
// process. Call it early in main, before the launcher starts any apps.
func InitLocalEnvConfig() *LocalEnvConfig {
	localEnvConfigOnce.Do(func() {
		fmt.Printf("VERSION: %s\n\n", GetenvOrDefault("VERSION", "NO-VERSION"))
		fmt.Printf("ENVIRONMENT NAME: %s\n\n", GetenvOrDefault("ENV_NAME", "local"))

		localEnvConfig = &LocalEnvConfig{Initialized: true}
	})

	return localEnvConfig
}
