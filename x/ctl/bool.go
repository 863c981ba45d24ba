package ctl

import (
	"reflect"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/cockroachdb/errors"
)

// ParseBool returns the value of a confirmation flag:
// true, 1, yes, y and false, 0, no, n are accepted in any case
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "y":
		return true, nil
	case "false", "0", "no", "n":
		return false, nil
	}
	return false, errors.Errorf("expected one of true, 1, yes, y, false, 0, no, n but got %q", s)
}

// boolPtrMapper decodes *bool flags, a flag without value is true.
// Unset flag stays nil, so commands can tell it from explicit false.
type boolPtrMapper struct{}

func (boolPtrMapper) IsBool() bool { return true }

func (boolPtrMapper) Decode(ctx *kong.DecodeContext, target reflect.Value) error {
	val := true
	if ctx.Scan.Peek().Type == kong.FlagValueToken {
		var err error
		switch v := ctx.Scan.Pop().Value.(type) {
		case bool:
			val = v
		case string:
			if val, err = ParseBool(v); err != nil {
				return err
			}
		default:
			return errors.Errorf("expected bool but got %v (%T)", v, v)
		}
	}
	target.Set(reflect.ValueOf(&val))
	return nil
}

// BoolPtrMapper is an option to register a mapper to *bool type flag
var BoolPtrMapper = kong.TypeMapper(reflect.TypeOf((*bool)(nil)), boolPtrMapper{})
