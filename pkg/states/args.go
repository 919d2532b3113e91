package states

import (
	"fmt"
	"strconv"
	"strings"
)

// stringArg returns args[key] as a string. Missing and null values are "".
func stringArg(args map[string]interface{}, key string) (string, error) {
	switch v := args[key].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case int, int64, uint64, float64:
		return fmt.Sprint(v), nil
	default:
		return "", fmt.Errorf("'%s' must be a string, got %T", key, v)
	}
}

// boolArg returns args[key] as a bool, or def when it is missing.
func boolArg(args map[string]interface{}, key string, def bool) (bool, error) {
	switch v := args[key].(type) {
	case nil:
		return def, nil
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return false, fmt.Errorf("'%s' must be a boolean, got %q", key, v)
		}
		return b, nil
	default:
		return false, fmt.Errorf("'%s' must be a boolean, got %T", key, v)
	}
}

// stringListArg returns args[key] as a list of strings. A single string is a
// one-element list. ok is false when the key is missing or null.
func stringListArg(args map[string]interface{}, key string) (list []string, ok bool, err error) {
	switch v := args[key].(type) {
	case nil:
		return nil, false, nil
	case string:
		return []string{v}, true, nil
	case []string:
		return v, true, nil
	case []interface{}:
		list = make([]string, 0, len(v))
		for _, item := range v {
			s, isString := item.(string)
			if !isString {
				return nil, false, fmt.Errorf("'%s' must be a list of strings, got %T item", key, item)
			}
			list = append(list, s)
		}
		return list, true, nil
	default:
		return nil, false, fmt.Errorf("'%s' must be a list of strings, got %T", key, v)
	}
}

// pyList renders items in Python list repr, ['a', 'b'], which is what AUR
// change messages have always shown.
func pyList(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		if strings.Contains(item, "'") && !strings.Contains(item, `"`) {
			quoted[i] = `"` + item + `"`
		} else {
			quoted[i] = "'" + strings.ReplaceAll(item, "'", `\'`) + "'"
		}
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
