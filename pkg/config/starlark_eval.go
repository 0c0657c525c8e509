package config

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkEvaluator runs procedural config helpers in a sandbox. A
// script sees the workspace variables as predeclared names and must
// assign the value it produces to a global called result.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates an evaluator. A zero timeout defaults
// to 10 seconds.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate runs a script and returns the value of its result global.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, name, script string, input map[string]interface{}) (interface{}, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	thread := &starlark.Thread{
		Name: "groundwork",
		// print is swallowed; scripts communicate through result.
		Print: func(_ *starlark.Thread, _ string) {},
	}

	go func() {
		value, err := se.run(thread, name, script, input)
		done <- outcome{value, err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("timeout")
		<-done
		return nil, fmt.Errorf("starlark script %s: timeout after %v", name, se.timeout)
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("starlark script %s: %w", name, out.err)
		}
		return out.value, nil
	}
}

func (se *StarlarkEvaluator) run(thread *starlark.Thread, name, script string, input map[string]interface{}) (interface{}, error) {

	predeclared := starlark.StringDict{
		"struct":      starlarkstruct.Default,
		"cidr_subnet": starlark.NewBuiltin("cidr_subnet", builtinCIDRSubnet),
	}
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	globals, err := starlark.ExecFile(thread, name+".star", script, predeclared)
	if err != nil {
		return nil, err
	}

	result, ok := globals["result"]
	if !ok {
		return nil, fmt.Errorf("script must assign a global named result")
	}
	return fromStarlarkValue(result)
}

func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		items := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			items[i] = sv
		}
		return starlark.NewList(items), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		items := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			items[i] = item
		}
		return items, nil
	case starlark.Tuple:
		items := make([]interface{}, len(val))
		for i, item := range val {
			converted, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			items[i] = converted
		}
		return items, nil
	case *starlark.Dict:
		out := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be a string, got %s", item[0].Type())
			}
			converted, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			out[string(key)] = converted
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			converted, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			out[name] = converted
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type %s", v.Type())
	}
}

// builtinCIDRSubnet carves subnet number num out of base by extending
// its prefix with newbits: cidr_subnet("10.0.0.0/16", 8, 3) yields
// "10.0.3.0/24". IPv4 only.
func builtinCIDRSubnet(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var base string
	var newbits, num int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "base", &base, "newbits", &newbits, "num", &num); err != nil {
		return nil, err
	}

	_, ipnet, err := net.ParseCIDR(base)
	if err != nil {
		return nil, fmt.Errorf("cidr_subnet: %w", err)
	}
	ip4 := ipnet.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("cidr_subnet: %s is not an IPv4 network", base)
	}

	ones, bits := ipnet.Mask.Size()
	newPrefix := ones + newbits
	if newbits <= 0 || newPrefix > bits {
		return nil, fmt.Errorf("cidr_subnet: invalid newbits %d for /%d", newbits, ones)
	}
	if num < 0 || num >= 1<<uint(newbits) {
		return nil, fmt.Errorf("cidr_subnet: subnet %d out of range for %d new bits", num, newbits)
	}

	addr := binary.BigEndian.Uint32(ip4)
	addr |= uint32(num) << uint(bits-newPrefix)

	out := make(net.IP, 4)
	binary.BigEndian.PutUint32(out, addr)
	return starlark.String(fmt.Sprintf("%s/%d", out, newPrefix)), nil
}
