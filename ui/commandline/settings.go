// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/gridtrain/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ParseSettings overrides configuration values held by v, typically from the contents of a "--set" flag.
// The settings are a list separated by ";": e.g.: "train.seed=7;batch.global_batch_size=64".
//
// All keys must already be known to v (usually with a default value), and the type of the current value
// is used to parse the new one. Lists of integers are given separated by ",", e.g.: "batch.rampup_batch_size=32,32,1000".
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// An entry like "file:settings.txt" reads the settings from a file, with new-lines working as ";"
// and lines starting with "#" considered comments.
func ParseSettings(v *viper.Viper, settings string) (keysSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		keysSet, err = parseSetting(v, setting, keysSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(v *viper.Viper, setting string, keysSet []string) (newKeysSet []string, err error) {
	newKeysSet = keysSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if strings.HasPrefix(setting, "file:") {
		var filePath string
		filePath, err = fsutil.ReplaceTildeInDir(strings.TrimPrefix(setting, "file:"))
		if err != nil {
			return
		}
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, lineSetting := range strings.Split(line, ";") {
				newKeysSet, err = parseSetting(v, lineSetting, newKeysSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	key, valueStr, found := strings.Cut(setting, "=")
	if !found {
		err = errors.Errorf("can't parse setting %q: each setting requires the format \"<key>=<value>\"", setting)
		return
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if !slices.Contains(v.AllKeys(), key) {
		err = errors.Errorf("can't set %q: unknown configuration key", key)
		return
	}

	var value any
	switch current := v.Get(key).(type) {
	case int:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &current)
		value = current
	case int64:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &current)
		value = current
	case float64:
		err = json.Unmarshal([]byte(valueStr), &current)
		value = current
	case bool:
		err = json.Unmarshal([]byte(valueStr), &current)
		value = current
	case string:
		value = valueStr
	case time.Duration:
		value, err = time.ParseDuration(valueStr)
	case []int:
		var list []int
		if valueStr != "" {
			for _, part := range strings.Split(valueStr, ",") {
				var n int
				if err = json.Unmarshal([]byte(strings.ReplaceAll(part, "_", "")), &n); err != nil {
					break
				}
				list = append(list, n)
			}
		}
		value = list
	default:
		err = fmt.Errorf("don't know how to parse type %T for setting %q", current, setting)
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to parse value %q for %q (current value is %#v)", valueStr, key, v.Get(key))
		return
	}
	v.Set(key, value)
	newKeysSet = append(newKeysSet, key)
	return
}

// SprintSettings pretty-prints the given keys of v, sorted and without duplicates.
func SprintSettings(v *viper.Viper, keys []string) string {
	keys = slices.Clone(keys)
	slices.Sort(keys)
	keys = slices.Compact(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		value := v.Get(key)
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", key, value, value))
	}
	return strings.Join(parts, "\n")
}
