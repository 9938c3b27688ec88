package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/coreos/go-semver/semver"
	"gopkg.in/yaml.v3"
)

// Defaults returns a registry holding the default builtins.
func Defaults() *Registry {
	r := NewRegistry()
	r.Register("sprintf", Sprintf)
	r.Register("json.is_valid", JSONIsValid)
	r.Register("yaml.is_valid", YAMLIsValid)
	r.Register("yaml.marshal", YAMLMarshal)
	r.Register("yaml.unmarshal", YAMLUnmarshal)
	r.Register("semver.is_valid", SemverIsValid)
	r.Register("semver.compare", SemverCompare)
	r.Register("regex.split", RegexSplit)
	r.Register("regex.find_n", RegexFindN)
	r.Register("time.now_ns", TimeNowNS)
	return r
}

// Sprintf formats args[1] (an array) with the format string args[0].
func Sprintf(ctx context.Context, args []any) (any, error) {
	format, err := stringArg(args, 0)
	if err != nil {
		return nil, err
	}
	values, err := arrayArg(args, 1)
	if err != nil {
		return nil, err
	}

	fmtArgs := make([]any, len(values))
	for i, v := range values {
		switch v := v.(type) {
		case float64:
			if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
				fmtArgs[i] = int64(v)
			} else {
				fmtArgs[i] = v
			}
		case map[string]any, []any:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			fmtArgs[i] = string(b)
		default:
			fmtArgs[i] = v
		}
	}
	return fmt.Sprintf(format, fmtArgs...), nil
}

func JSONIsValid(ctx context.Context, args []any) (any, error) {
	s, ok := argAt(args, 0).(string)
	if !ok {
		return false, nil
	}
	return json.Valid([]byte(s)), nil
}

func YAMLIsValid(ctx context.Context, args []any) (any, error) {
	s, ok := argAt(args, 0).(string)
	if !ok {
		return false, nil
	}
	var v any
	return yaml.Unmarshal([]byte(s), &v) == nil, nil
}

func YAMLMarshal(ctx context.Context, args []any) (any, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("operand 1 required")
	}
	b, err := yaml.Marshal(args[0])
	if err != nil {
		return nil, fmt.Errorf("yaml.marshal: %w", err)
	}
	return string(b), nil
}

func YAMLUnmarshal(ctx context.Context, args []any) (any, error) {
	s, err := stringArg(args, 0)
	if err != nil {
		return nil, err
	}
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("yaml.unmarshal: %w", err)
	}
	return NormalizeYAML(v), nil
}

// NormalizeYAML converts the non-string-keyed maps yaml.v3 may produce into
// JSON-encodable values.
func NormalizeYAML(v any) any {
	switch v := v.(type) {
	case map[string]any:
		for k, e := range v {
			v[k] = NormalizeYAML(e)
		}
		return v
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[fmt.Sprint(k)] = NormalizeYAML(e)
		}
		return out
	case []any:
		for i, e := range v {
			v[i] = NormalizeYAML(e)
		}
		return v
	default:
		return v
	}
}

func SemverIsValid(ctx context.Context, args []any) (any, error) {
	s, ok := argAt(args, 0).(string)
	if !ok {
		return false, nil
	}
	_, err := semver.NewVersion(s)
	return err == nil, nil
}

// SemverCompare returns -1, 0 or 1.
func SemverCompare(ctx context.Context, args []any) (any, error) {
	a, err := versionArg(args, 0)
	if err != nil {
		return nil, err
	}
	b, err := versionArg(args, 1)
	if err != nil {
		return nil, err
	}
	return a.Compare(*b), nil
}

func RegexSplit(ctx context.Context, args []any) (any, error) {
	re, err := regexArg(args, 0)
	if err != nil {
		return nil, err
	}
	s, err := stringArg(args, 1)
	if err != nil {
		return nil, err
	}
	return re.Split(s, -1), nil
}

// RegexFindN returns up to args[2] matches; -1 returns all.
func RegexFindN(ctx context.Context, args []any) (any, error) {
	re, err := regexArg(args, 0)
	if err != nil {
		return nil, err
	}
	s, err := stringArg(args, 1)
	if err != nil {
		return nil, err
	}
	n, err := intArg(args, 2)
	if err != nil {
		return nil, err
	}
	matches := re.FindAllString(s, n)
	if matches == nil {
		matches = []string{}
	}
	return matches, nil
}

func TimeNowNS(ctx context.Context, args []any) (any, error) {
	return time.Now().UnixNano(), nil
}

func argAt(args []any, i int) any {
	if i >= len(args) {
		return nil
	}
	return args[i]
}

func stringArg(args []any, i int) (string, error) {
	s, ok := argAt(args, i).(string)
	if !ok {
		return "", fmt.Errorf("operand %d must be string", i+1)
	}
	return s, nil
}

func arrayArg(args []any, i int) ([]any, error) {
	a, ok := argAt(args, i).([]any)
	if !ok {
		return nil, fmt.Errorf("operand %d must be array", i+1)
	}
	return a, nil
}

func intArg(args []any, i int) (int, error) {
	f, ok := argAt(args, i).(float64)
	if !ok || f != math.Trunc(f) {
		return 0, fmt.Errorf("operand %d must be integer", i+1)
	}
	return int(f), nil
}

func regexArg(args []any, i int) (*regexp.Regexp, error) {
	pattern, err := stringArg(args, i)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("operand %d: %w", i+1, err)
	}
	return re, nil
}

func versionArg(args []any, i int) (*semver.Version, error) {
	s, err := stringArg(args, i)
	if err != nil {
		return nil, err
	}
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("operand %d: %w", i+1, err)
	}
	return v, nil
}
