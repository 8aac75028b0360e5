package golem

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"google.golang.org/protobuf/types/known/structpb"
)

// starlarkCompilerVersion participates in the compiled-artifact cache key;
// bump it whenever the embedding changes incompatibly.
const starlarkCompilerVersion = "starlark-go/1"

// StarlarkRuntime is the shipped ComponentRuntime: components are Starlark
// programs whose top-level functions are the exported entry points. All
// non-determinism must flow through the predeclared `golem` module, which is
// what makes replay sound.
type StarlarkRuntime struct{}

// NewStarlarkRuntime creates the runtime.
func NewStarlarkRuntime() *StarlarkRuntime {
	return &StarlarkRuntime{}
}

func (r *StarlarkRuntime) CompilerVersion() string { return starlarkCompilerVersion }

func (r *StarlarkRuntime) Compile(ctx context.Context, binary []byte) (CompiledComponent, error) {
	f, err := syntax.Parse("component.star", binary, 0)
	if err != nil {
		return nil, fmt.Errorf("parse component: %w", err)
	}
	prog, err := starlark.FileProgram(f, func(name string) bool { return name == "golem" })
	if err != nil {
		return nil, fmt.Errorf("compile component: %w", err)
	}
	return &starlarkComponent{prog: prog, size: uint64(len(binary))}, nil
}

func (r *StarlarkRuntime) WriteArtifact(w io.Writer, cc CompiledComponent) error {
	sc, ok := cc.(*starlarkComponent)
	if !ok {
		return fmt.Errorf("not a starlark component: %T", cc)
	}
	if err := writeArtifactHeader(w, sc.size); err != nil {
		return err
	}
	return sc.prog.Write(w)
}

func (r *StarlarkRuntime) ReadArtifact(rd io.Reader) (CompiledComponent, error) {
	size, err := readArtifactHeader(rd)
	if err != nil {
		return nil, err
	}
	prog, err := starlark.CompiledProgram(rd)
	if err != nil {
		return nil, err
	}
	return &starlarkComponent{prog: prog, size: size}, nil
}

type starlarkComponent struct {
	prog *starlark.Program
	size uint64
}

func (c *starlarkComponent) Size() uint64 { return c.size }

func (c *starlarkComponent) Instantiate(ctx context.Context, host Host, opts InstanceOptions) (Instance, error) {
	inst := &starlarkInstance{
		host:    host,
		opts:    opts,
		maxFuel: opts.MaxFuel,
	}
	thread := &starlark.Thread{Name: "init-" + opts.WorkerID.String()}
	globals, err := c.prog.Init(thread, starlark.StringDict{"golem": inst.module()})
	if err != nil {
		return nil, Errorf(KindTrap, "component init: %v", err)
	}
	globals.Freeze()
	inst.globals = globals
	return inst, nil
}

type starlarkInstance struct {
	host    Host
	opts    InstanceOptions
	globals starlark.StringDict
	maxFuel uint64

	// ctx is the context of the in-flight Invoke. A worker runs at most one
	// guest frame at a time, so a plain field is safe.
	ctx  context.Context
	fuel uint64
}

func (i *starlarkInstance) Invoke(ctx context.Context, function string, args ValueList) (ValueList, error) {
	fnVal, ok := i.globals[function]
	if !ok {
		return nil, Errorf(KindInvalidRequest, "component has no export %q", function)
	}
	fn, ok := fnVal.(starlark.Callable)
	if !ok {
		return nil, Errorf(KindInvalidRequest, "%q is not a function", function)
	}

	tuple := make(starlark.Tuple, len(args))
	for n, v := range args {
		sv, err := valueToStarlark(v)
		if err != nil {
			return nil, Errorf(KindInvalidRequest, "argument %d: %v", n, err)
		}
		tuple[n] = sv
	}

	thread := &starlark.Thread{Name: "invoke-" + i.opts.WorkerID.String()}
	if i.maxFuel > 0 {
		thread.SetMaxExecutionSteps(i.maxFuel)
	}
	i.ctx = ctx
	out, err := starlark.Call(thread, fn, tuple, nil)
	i.ctx = nil
	i.fuel = thread.ExecutionSteps()
	if err != nil {
		if cause := unwrapEval(err); cause != nil {
			return nil, cause
		}
		if fuelExhausted(err) {
			return nil, Errorf(KindFuelExhausted, "invocation exceeded fuel budget %d", i.maxFuel)
		}
		return nil, Errorf(KindTrap, "%v", err)
	}

	if out == starlark.None {
		return nil, nil
	}
	v, convErr := starlarkToValue(out)
	if convErr != nil {
		return nil, Errorf(KindTrap, "convert result: %v", convErr)
	}
	return ValueList{v}, nil
}

func (i *starlarkInstance) ConsumedFuel() uint64 { return i.fuel }

func (i *starlarkInstance) Close() error { return nil }

// unwrapEval digs engine errors (suspensions, structured failures) out of a
// starlark.EvalError so they survive the guest stack unwind.
func unwrapEval(err error) error {
	var se *SuspendError
	if asErr(err, &se) {
		return se
	}
	var ge *Error
	if asErr(err, &ge) {
		return ge
	}
	return nil
}

// HasExport reports whether the instantiated component exports the function.
func (i *starlarkInstance) HasExport(name string) bool {
	fn, ok := i.globals[name]
	if !ok {
		return false
	}
	_, callable := fn.(starlark.Callable)
	return callable
}

// module builds the predeclared `golem` host module. Every builtin delegates
// to Host, which is the durability wrapper layer: the builtins themselves are
// deterministic glue.
func (i *starlarkInstance) module() starlark.Value {
	dict := starlark.StringDict{}

	builtin := func(name string, fn func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)) {
		dict[name] = starlark.NewBuiltin("golem."+name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return fn(args, kwargs)
		})
	}

	builtin("kv_get", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var key string
		if err := starlark.UnpackArgs("kv_get", args, kwargs, "key", &key); err != nil {
			return nil, err
		}
		val, ok, err := i.host.KVGet(i.ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return starlark.None, nil
		}
		return starlark.String(val), nil
	})

	builtin("kv_set", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var key, value string
		if err := starlark.UnpackArgs("kv_set", args, kwargs, "key", &key, "value", &value); err != nil {
			return nil, err
		}
		return starlark.None, i.host.KVSet(i.ctx, key, []byte(value))
	})

	builtin("kv_delete", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var key string
		if err := starlark.UnpackArgs("kv_delete", args, kwargs, "key", &key); err != nil {
			return nil, err
		}
		return starlark.None, i.host.KVDelete(i.ctx, key)
	})

	builtin("kv_keys", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		prefix := ""
		if err := starlark.UnpackArgs("kv_keys", args, kwargs, "prefix?", &prefix); err != nil {
			return nil, err
		}
		keys, err := i.host.KVKeys(i.ctx, prefix)
		if err != nil {
			return nil, err
		}
		out := make([]starlark.Value, len(keys))
		for n, k := range keys {
			out[n] = starlark.String(k)
		}
		return starlark.NewList(out), nil
	})

	builtin("blob_read", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackArgs("blob_read", args, kwargs, "name", &name); err != nil {
			return nil, err
		}
		data, ok, err := i.host.BlobRead(i.ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return starlark.None, nil
		}
		return starlark.Bytes(data), nil
	})

	builtin("blob_write", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		var data starlark.Value
		if err := starlark.UnpackArgs("blob_write", args, kwargs, "name", &name, "data", &data); err != nil {
			return nil, err
		}
		return starlark.None, i.host.BlobWrite(i.ctx, name, starlarkBytes(data))
	})

	builtin("promise_create", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs("promise_create", args, kwargs); err != nil {
			return nil, err
		}
		id, err := i.host.PromiseCreate(i.ctx)
		if err != nil {
			return nil, err
		}
		return starlark.String(id), nil
	})

	builtin("promise_await", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var id string
		if err := starlark.UnpackArgs("promise_await", args, kwargs, "id", &id); err != nil {
			return nil, err
		}
		data, err := i.host.PromiseAwait(i.ctx, id)
		if err != nil {
			return nil, err
		}
		return starlark.String(data), nil
	})

	builtin("promise_poll", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var id string
		if err := starlark.UnpackArgs("promise_poll", args, kwargs, "id", &id); err != nil {
			return nil, err
		}
		data, ok, err := i.host.PromisePoll(i.ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return starlark.None, nil
		}
		return starlark.String(data), nil
	})

	builtin("promise_complete", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var id, data string
		if err := starlark.UnpackArgs("promise_complete", args, kwargs, "id", &id, "data", &data); err != nil {
			return nil, err
		}
		first, err := i.host.PromiseComplete(i.ctx, id, []byte(data))
		if err != nil {
			return nil, err
		}
		return starlark.Bool(first), nil
	})

	builtin("now", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs("now", args, kwargs); err != nil {
			return nil, err
		}
		t, err := i.host.Now(i.ctx)
		if err != nil {
			return nil, err
		}
		return starlark.String(t.Format(time.RFC3339Nano)), nil
	})

	builtin("rand_int", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var max int64
		if err := starlark.UnpackArgs("rand_int", args, kwargs, "max", &max); err != nil {
			return nil, err
		}
		n, err := i.host.RandInt(i.ctx, max)
		if err != nil {
			return nil, err
		}
		return starlark.MakeInt64(n), nil
	})

	builtin("sleep", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var seconds float64
		if err := starlark.UnpackArgs("sleep", args, kwargs, "seconds", &seconds); err != nil {
			return nil, err
		}
		return starlark.None, i.host.Sleep(i.ctx, time.Duration(seconds*float64(time.Second)))
	})

	builtin("env", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackArgs("env", args, kwargs, "name", &name); err != nil {
			return nil, err
		}
		v, err := i.host.EnvVar(i.ctx, name)
		if err != nil {
			return nil, err
		}
		return starlark.String(v), nil
	})

	builtin("remote_read", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var target, request string
		if err := starlark.UnpackArgs("remote_read", args, kwargs, "target", &target, "request?", &request); err != nil {
			return nil, err
		}
		resp, err := i.host.RemoteRead(i.ctx, target, []byte(request))
		if err != nil {
			return nil, err
		}
		return starlark.String(resp), nil
	})

	builtin("remote_write", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var target, request string
		if err := starlark.UnpackArgs("remote_write", args, kwargs, "target", &target, "request", &request); err != nil {
			return nil, err
		}
		resp, err := i.host.RemoteWrite(i.ctx, target, []byte(request))
		if err != nil {
			return nil, err
		}
		return starlark.String(resp), nil
	})

	builtin("remote_write_batch", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var target string
		var reqList *starlark.List
		if err := starlark.UnpackArgs("remote_write_batch", args, kwargs, "target", &target, "requests", &reqList); err != nil {
			return nil, err
		}
		requests := make([][]byte, reqList.Len())
		for n := 0; n < reqList.Len(); n++ {
			s, ok := starlark.AsString(reqList.Index(n))
			if !ok {
				return nil, fmt.Errorf("remote_write_batch: request %d is not a string", n)
			}
			requests[n] = []byte(s)
		}
		responses, err := i.host.RemoteWriteBatch(i.ctx, target, requests)
		if err != nil {
			return nil, err
		}
		out := make([]starlark.Value, len(responses))
		for n, r := range responses {
			out[n] = starlark.String(r)
		}
		return starlark.NewList(out), nil
	})

	builtin("atomic_begin", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs("atomic_begin", args, kwargs); err != nil {
			return nil, err
		}
		return starlark.None, i.host.AtomicBegin(i.ctx)
	})

	builtin("atomic_end", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs("atomic_end", args, kwargs); err != nil {
			return nil, err
		}
		return starlark.None, i.host.AtomicEnd(i.ctx)
	})

	builtin("grow_memory", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var delta int64
		if err := starlark.UnpackArgs("grow_memory", args, kwargs, "bytes", &delta); err != nil {
			return nil, err
		}
		if delta < 0 {
			return nil, fmt.Errorf("grow_memory: negative delta")
		}
		ok, err := i.host.GrowMemory(i.ctx, uint64(delta))
		if err != nil {
			return nil, err
		}
		return starlark.Bool(ok), nil
	})

	builtin("resource_create", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name, params string
		if err := starlark.UnpackArgs("resource_create", args, kwargs, "name", &name, "params?", &params); err != nil {
			return nil, err
		}
		id, err := i.host.ResourceCreate(i.ctx, name, []byte(params))
		if err != nil {
			return nil, err
		}
		return starlark.MakeUint64(id), nil
	})

	builtin("resource_describe", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var id int64
		var name, params string
		if err := starlark.UnpackArgs("resource_describe", args, kwargs, "id", &id, "name", &name, "params?", &params); err != nil {
			return nil, err
		}
		return starlark.None, i.host.ResourceDescribe(i.ctx, uint64(id), name, []byte(params))
	})

	builtin("resource_drop", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var id int64
		if err := starlark.UnpackArgs("resource_drop", args, kwargs, "id", &id); err != nil {
			return nil, err
		}
		return starlark.None, i.host.ResourceDrop(i.ctx, uint64(id))
	})

	builtin("set_retry_policy", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var maxAttempts int64
		var minDelayMS, maxDelayMS int64
		multiplier := 2.0
		jitter := 0.0
		if err := starlark.UnpackArgs("set_retry_policy", args, kwargs,
			"max_attempts", &maxAttempts,
			"min_delay_ms", &minDelayMS,
			"max_delay_ms", &maxDelayMS,
			"multiplier?", &multiplier,
			"jitter?", &jitter); err != nil {
			return nil, err
		}
		return starlark.None, i.host.SetRetryPolicy(i.ctx, RetryPolicy{
			MaxAttempts: uint32(maxAttempts),
			MinDelay:    time.Duration(minDelayMS) * time.Millisecond,
			MaxDelay:    time.Duration(maxDelayMS) * time.Millisecond,
			Multiplier:  multiplier,
			Jitter:      jitter,
		})
	})

	builtin("log", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		level := "info"
		var msg string
		if err := starlark.UnpackArgs("log", args, kwargs, "message", &msg, "level?", &level); err != nil {
			return nil, err
		}
		return starlark.None, i.host.Log(i.ctx, level, msg)
	})

	dict.Freeze()
	return &hostModule{name: "golem", members: dict}
}

type hostModule struct {
	name    string
	members starlark.StringDict
}

func (m *hostModule) String() string        { return "<module " + m.name + ">" }
func (m *hostModule) Type() string          { return "module" }
func (m *hostModule) Freeze()               { m.members.Freeze() }
func (m *hostModule) Truth() starlark.Bool  { return starlark.True }
func (m *hostModule) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: module") }

func (m *hostModule) Attr(name string) (starlark.Value, error) {
	if v, ok := m.members[name]; ok {
		return v, nil
	}
	return nil, nil
}

func (m *hostModule) AttrNames() []string {
	names := make([]string, 0, len(m.members))
	for name := range m.members {
		names = append(names, name)
	}
	return names
}

func starlarkBytes(v starlark.Value) []byte {
	switch b := v.(type) {
	case starlark.Bytes:
		return []byte(b)
	case starlark.String:
		return []byte(b)
	default:
		return []byte(v.String())
	}
}

// valueToStarlark converts a self-describing value into its Starlark form.
func valueToStarlark(v *structpb.Value) (starlark.Value, error) {
	switch k := v.GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return starlark.None, nil
	case *structpb.Value_BoolValue:
		return starlark.Bool(k.BoolValue), nil
	case *structpb.Value_NumberValue:
		if k.NumberValue == float64(int64(k.NumberValue)) {
			return starlark.MakeInt64(int64(k.NumberValue)), nil
		}
		return starlark.Float(k.NumberValue), nil
	case *structpb.Value_StringValue:
		return starlark.String(k.StringValue), nil
	case *structpb.Value_ListValue:
		items := make([]starlark.Value, len(k.ListValue.Values))
		for n, item := range k.ListValue.Values {
			sv, err := valueToStarlark(item)
			if err != nil {
				return nil, err
			}
			items[n] = sv
		}
		return starlark.NewList(items), nil
	case *structpb.Value_StructValue:
		dict := starlark.NewDict(len(k.StructValue.Fields))
		for key, field := range k.StructValue.Fields {
			sv, err := valueToStarlark(field)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(key), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	}
	return nil, fmt.Errorf("unsupported value kind %T", v.GetKind())
}

// starlarkToValue is the inverse of valueToStarlark.
func starlarkToValue(v starlark.Value) (*structpb.Value, error) {
	switch sv := v.(type) {
	case starlark.NoneType:
		return structpb.NewNullValue(), nil
	case starlark.Bool:
		return structpb.NewBoolValue(bool(sv)), nil
	case starlark.Int:
		n, ok := sv.Int64()
		if !ok {
			return nil, fmt.Errorf("integer out of range: %s", sv)
		}
		return structpb.NewNumberValue(float64(n)), nil
	case starlark.Float:
		return structpb.NewNumberValue(float64(sv)), nil
	case starlark.String:
		return structpb.NewStringValue(string(sv)), nil
	case starlark.Bytes:
		return structpb.NewStringValue(string(sv)), nil
	case *starlark.List:
		items := make([]*structpb.Value, sv.Len())
		for n := 0; n < sv.Len(); n++ {
			pv, err := starlarkToValue(sv.Index(n))
			if err != nil {
				return nil, err
			}
			items[n] = pv
		}
		return structpb.NewListValue(&structpb.ListValue{Values: items}), nil
	case *starlark.Dict:
		fields := make(map[string]*structpb.Value, sv.Len())
		for _, k := range sv.Keys() {
			key, ok := starlark.AsString(k)
			if !ok {
				return nil, fmt.Errorf("dict key must be a string, got %s", k.Type())
			}
			item, _, err := sv.Get(k)
			if err != nil {
				return nil, err
			}
			pv, err := starlarkToValue(item)
			if err != nil {
				return nil, err
			}
			fields[key] = pv
		}
		return structpb.NewStructValue(&structpb.Struct{Fields: fields}), nil
	}
	return nil, fmt.Errorf("unsupported starlark type %s", v.Type())
}
