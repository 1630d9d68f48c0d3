// Package script implements the Script Runtime: sandboxed execution of
// user filter/transformer/pre/postprocessor code against a scope built
// from the ConnectorMessage's maps.
package script

import "fmt"

// GetField retrieves a nested field from a map using dot notation, e.g.
// "result.contentUrl" navigates map["result"]["contentUrl"].
func GetField(data map[string]interface{}, path string) (interface{}, error) {
	if data == nil {
		return nil, fmt.Errorf("scope is nil")
	}
	current := data
	parts := splitPath(path)
	for i, key := range parts {
		value, ok := current[key]
		if !ok {
			return nil, fmt.Errorf("field not found: %s", key)
		}
		if i == len(parts)-1 {
			return value, nil
		}
		next, ok := value.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("field %s is not an object, cannot navigate further", key)
		}
		current = next
	}
	return current, nil
}

// SetField sets a nested field using dot notation, creating intermediate
// maps as needed.
func SetField(data map[string]interface{}, path string, value interface{}) error {
	if data == nil {
		return fmt.Errorf("scope is nil")
	}
	current := data
	parts := splitPath(path)
	for i, key := range parts {
		if i == len(parts)-1 {
			current[key] = value
			return nil
		}
		existing, ok := current[key]
		if ok {
			next, ok := existing.(map[string]interface{})
			if !ok {
				return fmt.Errorf("field %s exists but is not an object", key)
			}
			current = next
			continue
		}
		next := make(map[string]interface{})
		current[key] = next
		current = next
	}
	return nil
}

// MergeFields copies every key from source into dest, source winning on
// conflict. Used to seed a destination ConnectorMessage's channel/source
// maps from the source ConnectorMessage at fan-out time.
func MergeFields(dest, source map[string]interface{}) {
	if dest == nil || source == nil {
		return
	}
	for k, v := range source {
		dest[k] = v
	}
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	parts = append(parts, path[start:])
	return parts
}
