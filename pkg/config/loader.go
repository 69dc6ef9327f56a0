// Package config loads service configuration from layered sources into a
// tagged Go struct.
//
// Sources are applied lowest priority first:
//
//  1. envDefault struct tags
//  2. a YAML or JSON file ([Loader.WithFile])
//  3. one or more .env files ([Loader.WithDotEnv]); never override real env
//  4. process environment variables
//
// After loading, fields tagged required:"true" are checked and, if the
// struct implements [Validator], its Validate method runs.
//
// Nested structs with an env tag extend the prefix of their fields:
//
//	type Config struct {
//	    Provider struct {
//	        BaseURL string `env:"BASE_URL" envDefault:"https://api.clerk.com/v1"`
//	    } `env:"PROVIDER"`
//	}
//
//	var cfg Config
//	err := config.New().WithEnvPrefix("ROLESYNC").WithDotEnv(".env").Load(&cfg)
//	// cfg.Provider.BaseURL is read from ROLESYNC_PROVIDER_BASE_URL.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	sserr "github.com/StricklySoft/stricklysoft-rolesync/pkg/errors"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Loader reads configuration into a struct. The zero value is not usable;
// create one with [New].
type Loader struct {
	envPrefix   string
	filePath    string
	dotEnvPaths []string
}

// New returns a Loader with no prefix, file or .env sources.
func New() *Loader {
	return &Loader{}
}

// WithEnvPrefix sets the prefix prepended (with "_") to every env key.
// The prefix is upper-cased.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile sets a YAML (.yaml, .yml) or JSON (.json) file to load.
// A missing file is not an error.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// WithDotEnv adds .env files whose KEY=VALUE pairs act as environment
// variables that the real environment can override. Earlier paths win over
// later ones. Missing files are skipped.
func (l *Loader) WithDotEnv(paths ...string) *Loader {
	l.dotEnvPaths = append(l.dotEnvPaths, paths...)
	return l
}

// Load populates cfg, which must be a non-nil pointer to a struct.
// Errors are *sserr.Error values with code [sserr.CodeConfiguration],
// [sserr.CodeValidationRequired] or [sserr.CodeValidation].
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return sserr.Config("config: Load requires a non-nil pointer to a struct")
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return sserr.Config("config: Load requires a pointer to a struct")
	}

	if err := applyDefaults(rv); err != nil {
		return err
	}
	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return err
		}
	}

	lookup, err := l.envLookup()
	if err != nil {
		return err
	}
	if err := applyEnv(rv, l.envPrefix, lookup); err != nil {
		return err
	}
	return validate(cfg, rv)
}

// MustLoad loads a T and panics on failure. Intended for main packages.
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

type lookupFunc func(key string) (string, bool)

func (l *Loader) envLookup() (lookupFunc, error) {
	dotEnv := make(map[string]string)
	for _, path := range l.dotEnvPaths {
		values, err := godotenv.Read(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, sserr.Wrapf(err, sserr.CodeConfiguration,
				"config: failed to read env file %q", path)
		}
		for k, v := range values {
			if _, seen := dotEnv[k]; !seen {
				dotEnv[k] = v
			}
		}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotEnv[key]
		return v, ok
	}, nil
}

func (l *Loader) loadFile(cfg any) error {
	if strings.Contains(l.filePath, "..") {
		return sserr.Config("config: file path must not contain '..'")
	}
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return sserr.Wrapf(err, sserr.CodeConfiguration,
			"config: failed to read file %q", l.filePath)
	}

	switch ext := strings.ToLower(filepath.Ext(l.filePath)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	default:
		return sserr.Newf(sserr.CodeConfiguration,
			"config: unsupported file extension %q (use .yaml, .yml, or .json)", ext)
	}
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeConfiguration,
			"config: failed to parse file %q", l.filePath)
	}
	return nil
}

func isNested(sf reflect.StructField) bool {
	return sf.Type.Kind() == reflect.Struct && sf.Type != durationType
}

func applyDefaults(rv reflect.Value) error {
	rt := rv.Type()
	for i := range rt.NumField() {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		if isNested(sf) {
			if err := applyDefaults(field); err != nil {
				return err
			}
			continue
		}
		tag := sf.Tag.Get("envDefault")
		if tag == "" || !field.IsZero() {
			continue
		}
		if err := setField(field, tag); err != nil {
			return sserr.Wrapf(err, sserr.CodeConfiguration,
				"config: bad default for field %q", sf.Name)
		}
	}
	return nil
}

func applyEnv(rv reflect.Value, prefix string, lookup lookupFunc) error {
	rt := rv.Type()
	for i := range rt.NumField() {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		envTag := sf.Tag.Get("env")
		if isNested(sf) {
			if err := applyEnv(field, joinKey(prefix, envTag), lookup); err != nil {
				return err
			}
			continue
		}
		if envTag == "" {
			continue
		}
		key := joinKey(prefix, envTag)
		val, ok := lookup(key)
		if !ok {
			continue
		}
		if err := setField(field, val); err != nil {
			return sserr.Wrapf(err, sserr.CodeConfiguration,
				"config: failed to set field %q from %s", sf.Name, key)
		}
	}
	return nil
}

func joinKey(prefix, name string) string {
	switch {
	case prefix == "":
		return name
	case name == "":
		return prefix
	default:
		return prefix + "_" + name
	}
}

func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("cannot parse duration %q: %w", value, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("cannot parse bool %q: %w", value, err)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse integer %q: %w", value, err)
		}
		field.SetInt(n)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", field.Type().Elem().Kind())
		}
		var parts []string
		for p := range strings.SplitSeq(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, p := range parts {
			slice.Index(i).SetString(p)
		}
		field.Set(slice)
	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}
