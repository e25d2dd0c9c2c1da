package tape

import "math"

// evalUnary computes the zero-th order value of a 1-argument opcode. Used
// both by dynamic-parameter resolution (param.go) and by the forward
// sweep's order-0 pass (forward.go).
func evalUnary(op Opcode, x float64) float64 {
	switch op {
	case Neg:
		return -x
	case Abs:
		return math.Abs(x)
	case Sqrt:
		return math.Sqrt(x)
	case Exp:
		return math.Exp(x)
	case Expm1:
		return math.Expm1(x)
	case Log:
		return math.Log(x)
	case Log1p:
		return math.Log1p(x)
	case Sign:
		return sign(x)
	case Sin:
		return math.Sin(x)
	case Cos:
		return math.Cos(x)
	case Sinh:
		return math.Sinh(x)
	case Cosh:
		return math.Cosh(x)
	case Tan:
		return math.Tan(x)
	case Tanh:
		return math.Tanh(x)
	case Asin:
		return math.Asin(x)
	case Acos:
		return math.Acos(x)
	case Atan:
		return math.Atan(x)
	case Erf:
		return math.Erf(x)
	case Erfc:
		return math.Erfc(x)
	default:
		panic("evalUnary: not a unary opcode: " + op.String())
	}
}

// evalBinary computes the zero-th order value of a 2-argument arithmetic
// opcode (the VV forms; PV/VP forms are normalized to the same switch by
// the caller, which substitutes the parameter value directly).
func evalBinary(op Opcode, x, y float64) float64 {
	switch op {
	case AddVV, AddPV:
		return x + y
	case SubVV, SubPV, SubVP:
		return x - y
	case MulVV, MulPV:
		return x * y
	case DivVV, DivPV, DivVP:
		return x / y
	case ZmulVV, ZmulPV, ZmulVP:
		if x == 0 {
			return 0
		}
		return x * y
	default:
		panic("evalBinary: not a binary opcode: " + op.String())
	}
}

// sign implements the engine's sign contract: -1, 0, or 1, with
// sign(0) = 0, which pins Abs/Sign derivatives to zero at the origin.
func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}
