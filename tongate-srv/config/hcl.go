package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// loadHCLConfig parses an attributes-only HCL file and applies it to cfg.
// The HCL document uses the same hyphenated keys as the JSON format:
//
//	listen-address = "127.0.0.1:8080"
//	ton-domains    = ["ton", "t.me"]
//	ton-gateway    = "https://gateway.ton.org"
func loadHCLConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	src, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, cleanPath)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL config: %s", diags.Error())
	}

	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return fmt.Errorf("failed to read HCL attributes: %s", diags.Error())
	}

	data := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return fmt.Errorf("failed to evaluate HCL attribute %q: %s", name, diags.Error())
		}
		converted, err := ctyToGo(val)
		if err != nil {
			return fmt.Errorf("invalid value for HCL attribute %q: %w", name, err)
		}
		data[name] = converted
	}

	return applyConfigMap(data, cfg)
}

// ctyToGo converts a cty value into the plain Go shapes applyConfigMap
// expects: string, bool, int, []any and map[string]any.
func ctyToGo(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}

	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty == cty.Number:
		bf := val.AsBigFloat()
		if i, acc := bf.Int64(); acc == 0 {
			return int(i), nil
		}
		f, _ := bf.Float64()
		return f, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		result := make([]any, 0, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			converted, err := ctyToGo(elem)
			if err != nil {
				return nil, err
			}
			result = append(result, converted)
		}
		return result, nil
	case ty.IsObjectType() || ty.IsMapType():
		result := make(map[string]any, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			converted, err := ctyToGo(elem)
			if err != nil {
				return nil, err
			}
			result[key.AsString()] = converted
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported HCL value type %s", ty.FriendlyName())
	}
}
