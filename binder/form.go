package binder

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/dmitrymomot/mediagate/core"
)

// Form creates a binder for application/x-www-form-urlencoded bodies.
//
// Fields are matched by the `form:"name"` tag; `form:"-"` skips a field.
// Supported kinds: string, bool, int family and []string.
//
//	type joinRequest struct {
//		Code  string `form:"code" validate:"required"`
//		Token string `form:"token"`
//	}
func Form() func(r *http.Request, v any) error {
	return func(r *http.Request, v any) error {
		if r.Header.Get("Content-Type") == "" {
			return errors.Join(core.ErrUnsupportedMediaType, fmt.Errorf("%w: expected application/x-www-form-urlencoded", ErrMissingContentType))
		}
		if !hasMediaType(r, "application/x-www-form-urlencoded") && !hasMediaType(r, "multipart/form-data") {
			return errors.Join(core.ErrUnsupportedMediaType, ErrUnsupportedMediaType)
		}
		if err := r.ParseForm(); err != nil {
			return errors.Join(core.ErrBadRequest, fmt.Errorf("%w: %v", ErrInvalidForm, err))
		}
		return bindValues(v, "form", r.Form, ErrInvalidForm)
	}
}

// bindValues copies url.Values into the tagged fields of the struct pointed to by v.
func bindValues(v any, tag string, values url.Values, kindErr error) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w: target must be a pointer to struct", kindErr)
	}
	rv = rv.Elem()
	rt := rv.Type()

	for i := range rt.NumField() {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name := tagName(field, tag)
		if name == "" {
			continue
		}
		raw, ok := values[name]
		if !ok || len(raw) == 0 {
			continue
		}
		if err := setField(rv.Field(i), raw); err != nil {
			ve := core.NewValidationError()
			ve.Add(name, "invalid value")
			return errors.Join(fmt.Errorf("%w: field %s: %v", kindErr, name, err), ve)
		}
	}
	return nil
}

func tagName(field reflect.StructField, tag string) string {
	name, _, _ := strings.Cut(field.Tag.Get(tag), ",")
	if name == "-" {
		return ""
	}
	return name
}

func setField(f reflect.Value, raw []string) error {
	switch f.Kind() {
	case reflect.String:
		f.SetString(strings.TrimSpace(raw[0]))
	case reflect.Bool:
		s := strings.ToLower(strings.TrimSpace(raw[0]))
		switch s {
		case "on", "yes":
			f.SetBool(true)
			return nil
		case "off", "no", "":
			f.SetBool(false)
			return nil
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		f.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(strings.TrimSpace(raw[0]), 10, f.Type().Bits())
		if err != nil {
			return err
		}
		f.SetInt(n)
	case reflect.Slice:
		if f.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", f.Type())
		}
		f.Set(reflect.ValueOf(append([]string(nil), raw...)))
	default:
		return fmt.Errorf("unsupported type %s", f.Type())
	}
	return nil
}
