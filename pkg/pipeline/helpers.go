package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

// normalizePath resolves pathList relative to the script's directory. Paths starting with // are
// relative to the project root.
func normalizePath(ctx *parserCtx, pathList ...string) string {
	result := filepath.Dir(ctx.filepath)

	for _, path := range pathList {
		if strings.HasPrefix(path, "//") {
			result = filepath.Join(ctx.projectRoot, path[2:])
		} else if strings.HasPrefix(path, "/") {
			result = filepath.Join(filepath.VolumeName(result), path)
		} else if !filepath.IsAbs(path) {
			result = filepath.Join(result, path)
		} else {
			result = path
		}
	}

	return filepath.Clean(result)
}

// normalizePattern works like normalizePath but keeps the "!" prefix of exclude patterns
func normalizePattern(ctx *parserCtx, base, pattern string) string {
	if strings.HasPrefix(pattern, "!") {
		return "!" + normalizePath(ctx, base, pattern[1:])
	}

	return normalizePath(ctx, base, pattern)
}

func simplifyPath(ctx *parserCtx, path string) string {
	projectRoot := ctx.projectRoot
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}

	if strings.HasPrefix(absPath, projectRoot+string(filepath.Separator)) {
		return "//" + filepath.ToSlash(absPath[len(projectRoot)+1:])
	}
	return path
}

func hasGlobMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

func getEnvVars(ctx *parserCtx) []string {
	osEnv := os.Environ()
	shellEnv := make([]string, 0, len(osEnv)+len(ctx.envOverrides))
	for _, item := range osEnv {
		parts := strings.SplitN(item, "=", 2)
		if runtime.GOOS == "windows" {
			parts[0] = strings.ToUpper(parts[0])
		}

		// skip overriden entries to avoid conflicts
		if _, present := ctx.envOverrides[parts[0]]; !present {
			shellEnv = append(shellEnv, item)
		}
	}

	for k, v := range ctx.envOverrides {
		shellEnv = append(shellEnv, fmt.Sprintf("%s=%s", k, v))
	}

	return shellEnv
}

func interfaceToStarlark(value interface{}) (starlark.Value, error) {
	switch value := value.(type) {
	case nil:
		return starlark.None, nil
	case string:
		return starlark.String(value), nil
	case int:
		return starlark.MakeInt(value), nil
	case bool:
		return starlark.Bool(value), nil
	case float64:
		return starlark.Float(value), nil
	}

	refValue := reflect.ValueOf(value)
	switch refValue.Kind() {
	case reflect.Slice, reflect.Array:
		tuple := make(starlark.Tuple, refValue.Len())
		for idx := 0; idx < refValue.Len(); idx++ {
			item, err := interfaceToStarlark(refValue.Index(idx).Interface())
			if err != nil {
				return nil, err
			}
			tuple[idx] = item
		}

		return tuple, nil
	case reflect.Map:
		dict := starlark.NewDict(refValue.Len())
		iter := refValue.MapRange()
		for iter.Next() {
			key, err := interfaceToStarlark(iter.Key().Interface())
			if err != nil {
				return nil, err
			}

			item, err := interfaceToStarlark(iter.Value().Interface())
			if err != nil {
				return nil, err
			}

			err = dict.SetKey(key, item)
			if err != nil {
				return nil, err
			}
		}

		return dict, nil
	}

	return nil, eris.Errorf("encountered unsupported type %v", refValue.Kind())
}

// starlarkToInterface converts the values accepted as step options into plain go values
func starlarkToInterface(value starlark.Value) (interface{}, error) {
	switch value := value.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.String:
		return value.GoString(), nil
	case StarlarkPath:
		return string(value), nil
	case starlark.Bool:
		return bool(value), nil
	case starlark.Int:
		num, ok := value.Int64()
		if !ok {
			return nil, eris.Errorf("integer %s is out of range", value.String())
		}
		return int(num), nil
	case starlark.Float:
		return float64(value), nil
	case *starlark.Dict:
		result := make(map[string]interface{}, value.Len())
		for _, item := range value.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, eris.Errorf("found key type %s but only strings are supported", item[0].Type())
			}

			converted, err := starlarkToInterface(item[1])
			if err != nil {
				return nil, err
			}
			result[key.GoString()] = converted
		}
		return result, nil
	case starlark.Iterable:
		result := make([]interface{}, 0)
		iter := value.Iterate()
		defer iter.Done()

		var item starlark.Value
		for iter.Next(&item) {
			converted, err := starlarkToInterface(item)
			if err != nil {
				return nil, err
			}
			result = append(result, converted)
		}
		return result, nil
	}

	return nil, eris.Errorf("unsupported value of type %s", value.Type())
}
