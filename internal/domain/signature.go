package domain

import "strings"

// Signature describes the parameter and result kinds of a script function.
type Signature struct {
	Params []Kind
	Result Kind
}

func (s Signature) String() string {
	parts := make([]string, len(s.Params))
	for i, k := range s.Params {
		parts[i] = k.String()
	}
	out := "fn(" + strings.Join(parts, ", ") + ")"
	if s.Result != KindVoid {
		out += ": " + s.Result.String()
	}
	return out
}
