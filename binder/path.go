package binder

import (
	"net/http"
	"net/url"
	"reflect"
)

// Path creates a binder for route parameters using the provided extractor,
// typically chi.URLParam. Fields are matched by the `path:"name"` tag.
func Path(extractor func(r *http.Request, key string) string) func(r *http.Request, v any) error {
	return func(r *http.Request, v any) error {
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
			return ErrInvalidPath
		}
		rt := rv.Elem().Type()

		values := url.Values{}
		for i := range rt.NumField() {
			name := tagName(rt.Field(i), "path")
			if name == "" {
				continue
			}
			if val := extractor(r, name); val != "" {
				values.Set(name, val)
			}
		}
		return bindValues(v, "path", values, ErrInvalidPath)
	}
}
