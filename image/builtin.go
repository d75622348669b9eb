package image

// Builtin type names.
const (
	ThreadType  = "GThread"
	Dim3Type    = "dim3"
	DecimalType = "decimal"
	MathType    = "Math"
	GMathType   = "GMath"
)

// builtinTypes are resolvable from every image without being stored in it.
var builtinTypes = func() map[string]*TypeDef {
	i32 := Prim(KindI32)
	f32 := Prim(KindF32)
	f64 := Prim(KindF64)
	dim3 := Named(Dim3Type)

	thread := &TypeDef{Name: ThreadType, Kind: TypeClass, Builtin: true}
	thread.Methods = []*Method{
		{Name: "get_threadIdx", Return: dim3, Intrinsic: IntrinsicThreadIdx},
		{Name: "get_blockIdx", Return: dim3, Intrinsic: IntrinsicBlockIdx},
		{Name: "get_blockDim", Return: dim3, Intrinsic: IntrinsicBlockDim},
		{Name: "get_gridDim", Return: dim3, Intrinsic: IntrinsicGridDim},
		{Name: "get_warpSize", Return: i32, Intrinsic: IntrinsicWarpSize},
		{Name: "SyncThreads", Return: Prim(KindVoid), Intrinsic: IntrinsicSyncThreads},
		{Name: "AllocateShared", Params: []Param{{Name: "name", Type: Prim(KindString)}, {Name: "count", Type: i32}},
			Intrinsic: IntrinsicAllocateShared},
	}

	d3 := &TypeDef{Name: Dim3Type, Kind: TypeStruct, Builtin: true}
	d3.Fields = []*Field{
		{Name: "x", Type: i32},
		{Name: "y", Type: i32},
		{Name: "z", Type: i32},
	}

	dec := &TypeDef{Name: DecimalType, Kind: TypeStruct, Builtin: true}
	ctor := func(params ...*Type) *Method {
		m := &Method{Name: ".ctor", Return: Prim(KindVoid), Intrinsic: IntrinsicDecimalCtor}
		names := []string{"lo", "mid", "hi", "isNegative", "scale"}
		if len(params) == 4 {
			names = []string{"lo", "mid", "hi", "flags"}
		} else if len(params) == 1 {
			names = []string{"value"}
		}
		for i, p := range params {
			m.Params = append(m.Params, Param{Name: names[i], Type: p})
		}
		return m
	}
	dec.Methods = []*Method{
		ctor(i32),
		ctor(Prim(KindI64)),
		ctor(i32, i32, i32, i32),
		ctor(i32, i32, i32, Prim(KindBool), Prim(KindU8)),
		{Name: "ToDouble", Static: true, Return: f64, Intrinsic: IntrinsicDecimalToDouble,
			Params: []Param{{Name: "d", Type: Prim(KindDecimal)}}},
	}

	unary := []string{"Sqrt", "Sin", "Cos", "Tan", "Exp", "Log", "Floor", "Ceiling", "Abs"}
	mathFn := func(name string, ret *Type, params ...*Type) *Method {
		m := &Method{Name: name, Static: true, Return: ret, Intrinsic: IntrinsicMath}
		for i, p := range params {
			m.Params = append(m.Params, Param{Name: string(rune('a' + i)), Type: p})
		}
		return m
	}
	math := &TypeDef{Name: MathType, Kind: TypeClass, Builtin: true}
	for _, n := range unary {
		math.Methods = append(math.Methods, mathFn(n, f64, f64))
	}
	math.Methods = append(math.Methods,
		mathFn("Abs", f32, f32),
		mathFn("Abs", i32, i32),
		mathFn("Pow", f64, f64, f64),
		mathFn("Min", i32, i32, i32),
		mathFn("Min", f32, f32, f32),
		mathFn("Min", f64, f64, f64),
		mathFn("Max", i32, i32, i32),
		mathFn("Max", f32, f32, f32),
		mathFn("Max", f64, f64, f64),
	)
	gmath := &TypeDef{Name: GMathType, Kind: TypeClass, Builtin: true}
	for _, n := range unary {
		gmath.Methods = append(gmath.Methods, mathFn(n, f32, f32))
	}
	gmath.Methods = append(gmath.Methods, mathFn("Pow", f32, f32, f32))

	m := make(map[string]*TypeDef)
	for _, td := range []*TypeDef{thread, d3, dec, math, gmath} {
		for _, f := range td.Fields {
			f.Owner = td
		}
		for _, meth := range td.Methods {
			meth.Owner = td
		}
		m[td.Name] = td
	}
	return m
}()

// IsBuiltin reports whether name is a builtin type.
func IsBuiltin(name string) bool {
	_, ok := builtinTypes[name]
	return ok
}
