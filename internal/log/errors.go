package log

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// errorChain lists the distinct messages from err down its Unwrap chain,
// then the members of a joined error at the bottom.
func errorChain(err error) []string {
	var out []string
	last := err
	for e := err; e != nil; e = errors.Unwrap(e) {
		if msg := e.Error(); len(out) == 0 || out[len(out)-1] != msg {
			out = append(out, msg)
		}
		last = e
	}
	if j, ok := last.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			if e != nil {
				out = append(out, e.Error())
			}
		}
	}
	return out
}

// chainLinks maps each wrap in err to the source position that created it.
// The outermost error is always included.
func chainLinks(err error, max int) []map[string]any {
	var links []map[string]any
	depth := 0
	for e := err; e != nil && depth < max; e = errors.Unwrap(e) {
		link := map[string]any{"msg": e.Error()}
		fr, ok := wrapFrame(e)
		if ok {
			link["func"], link["file"], link["line"] = fr.Function, fr.File, fr.Line
		}
		if depth == 0 || ok {
			links = append(links, link)
		}
		depth++
	}
	return links
}

func wrapFrame(e error) (runtime.Frame, bool) {
	if hp, ok := e.(interface{ PC() uintptr }); ok {
		if pc := hp.PC(); pc != 0 {
			fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
			return fr, true
		}
		return runtime.Frame{}, false
	}
	if hs, ok := e.(interface{ StackPCs() []uintptr }); ok {
		frames := runtime.CallersFrames(hs.StackPCs())
		for {
			fr, more := frames.Next()
			if fr.Function != "" && !loggingFrame(fr.Function) &&
				!strings.HasPrefix(fr.Function, "runtime.") &&
				!strings.Contains(fr.Function, "/internal/xerrors.") {
				return fr, true
			}
			if !more {
				break
			}
		}
	}
	return runtime.Frame{}, false
}

// classifyTypes returns the first concrete type that is not an xerrors or
// fmt wrapper, and the type at the bottom of the chain.
func classifyTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if isWrapperType(reflect.TypeOf(e)) {
			continue
		}
		surface = reflect.TypeOf(e).String()
		break
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	last := err
	for e := err; e != nil; e = errors.Unwrap(e) {
		last = e
	}
	return surface, fmt.Sprintf("%T", last)
}

func isWrapperType(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if strings.HasSuffix(t.PkgPath(), "/internal/xerrors") {
		return true
	}
	return t.PkgPath() == "fmt" && t.Name() == "wrapError"
}
