package translate

import "github.com/granarydbt/granary/internal/x86"

// variadicArgGPRs are the System V AMD64 ABI's six integer/pointer
// argument registers, in argument order.
var variadicArgGPRs = [...]x86.GPR{x86.RDI, x86.RSI, x86.RDX, x86.RCX, x86.R8, x86.R9}

// VariadicTrampoline wraps call — an already-mangled indirect or
// direct CALL instruction — with a save/restore sequence that
// preserves every integer argument register plus RAX (whose low byte,
// AL, the System V ABI uses to carry the vector-argument count for a
// variadic callee) regardless of how many arguments the translated
// call site actually passes (SPEC_FULL.md §4, "Variadic-call
// trampoline ABI preservation"; design note in spec.md §9 and
// test/variadic_args_test.cc). A block's own instrumented call site
// can't know at mangling time whether its target is variadic, so the
// trampoline conservatively protects every register the ABI could
// possibly be using to pass arguments through it.
func VariadicTrampoline(call *x86.Instruction) []*x86.Instruction {
	out := make([]*x86.Instruction, 0, 2*(len(variadicArgGPRs)+1)+1)

	out = append(out, x86.PushReg(x86.NewArchGPR(x86.RAX, 8)))
	for _, gpr := range variadicArgGPRs {
		out = append(out, x86.PushReg(x86.NewArchGPR(gpr, 8)))
	}

	out = append(out, call)

	for i := len(variadicArgGPRs) - 1; i >= 0; i-- {
		out = append(out, x86.PopReg(x86.NewArchGPR(variadicArgGPRs[i], 8)))
	}
	out = append(out, x86.PopReg(x86.NewArchGPR(x86.RAX, 8)))

	return out
}
