package manifest

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// schema constrains the decoded manifest. Definitions are closed, so
// unknown tables and keys are rejected.
const schema = `
#Manifest: {
	project?: {
		name?:  string
		image?: string
		methods?: [...string]
	}
	translate?: {
		dialect?:   "cuda" | "opencl"
		arch?:      string & !=""
		fail_fast?: bool
		workers?:   int & >=0
	}
	toolchain?: {
		nvcc?: string
		nvcc_flags?: [...string]
		opencl_checker?: [...string]
	}
	cache?: {
		enabled?: bool
		path?:    string
	}
	emulator?: {
		memory?:                string & =~"^[0-9]+ ?[A-Za-z]*$"
		warp_size?:             int & >0 & <=1024
		max_threads_per_block?: int & >0
		devices?:               int & >0
	}
	log?: {
		verbosity?: int & >=-4 & <=4
		file?:      string
	}
}
`

// Validate checks a decoded manifest document against the schema.
func Validate(doc map[string]any) error {
	ctx := cuecontext.New()
	s := ctx.CompileString(schema)
	if err := s.Err(); err != nil {
		return fmt.Errorf("manifest schema: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	v := s.LookupPath(cue.ParsePath("#Manifest")).Unify(ctx.Encode(doc))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
