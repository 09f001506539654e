package config

import (
	"encoding"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// CustomHooks are passed to viper.Unmarshal. Setting a decode hook replaces viper's defaults, so the duration and
// slice hooks are composed back in.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		TextUnmarshalerHookFunc(),
	)),
}

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

// TextUnmarshalerHookFunc decodes strings into any config type whose pointer implements encoding.TextUnmarshaler,
// so enum-like settings are validated while the config is loaded.
func TextUnmarshalerHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || !reflect.PtrTo(t).Implements(textUnmarshalerType) {
			return data, nil
		}
		result := reflect.New(t)
		if err := result.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(data.(string))); err != nil {
			return nil, err
		}
		return result.Elem().Interface(), nil
	}
}
