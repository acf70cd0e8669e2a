package conf

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ConfigKeyAnnotation marks a flag as the command line override of a config key.
const ConfigKeyAnnotation = "markscan_config_key"

// MarkConfigFlag declares flag name in fs as the override of key.
func MarkConfigFlag(fs *pflag.FlagSet, name, key string) error {
	return fs.SetAnnotation(name, ConfigKeyAnnotation, []string{key})
}

// BindFlags binds every marked flag in fs to its config key. Call it after
// parsing and before Load; a flag set on the command line then wins over the
// config file and the environment.
func BindFlags(fs *pflag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[ConfigKeyAnnotation]
		if len(keys) == 0 {
			return
		}
		if err := viper.BindPFlag(keys[0], f); err != nil {
			errs = append(errs, fmt.Errorf("error binding flag %s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}
