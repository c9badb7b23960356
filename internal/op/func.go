package op

import "context"

// Func — операция из обычной функции.
//
// Удобна для операций, которые сами решают, как вызывать Invoker,
// и для тестов.
type Func struct {
	In  Sign
	Out Sign
	Fn  func(ctx context.Context, env Env, in IO) (IO, error)
}

// InputSign реализует Operation.
func (f *Func) InputSign() Sign { return f.In }

// OutputSign реализует Operation.
func (f *Func) OutputSign() Sign { return f.Out }

// Execute реализует Operation.
func (f *Func) Execute(ctx context.Context, env Env, in IO) (IO, error) {
	return f.Fn(ctx, env, in)
}

// Signature собирает Sign из списка имён слотов типа PathArtifact.
func Signature(names ...string) Sign {
	s := make(Sign, len(names))
	for _, name := range names {
		s[name] = PathArtifact
	}
	return s
}
