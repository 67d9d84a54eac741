package foxl

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func runProgram(t *testing.T, src, stdin string) (string, error) {
	t.Helper()
	r := require.New(t)
	p, err := NewParser(src)
	r.NoError(err, "NewParser")
	stmts, err := p.ParseProgram()
	r.NoError(err, "ParseProgram")
	var out bytes.Buffer
	ev := NewEvaluator(&out, strings.NewReader(stdin), nil)
	err = ev.Run(stmts)
	return out.String(), err
}

func mustRun(t *testing.T, src string) string {
	t.Helper()
	out, err := runProgram(t, src, "")
	require.NoError(t, err, "unexpected error running program:\n%s", src)
	return out
}

func TestEvaluator_S1_VariableArithmeticAndWrite(t *testing.T) {
	out := mustRun(t, `let x = 2; let y = 3; write(x + y);`)
	require.Equal(t, "5\n", out)
}

func TestEvaluator_S2_RecursiveFactorial(t *testing.T) {
	src := `
function f(n) {
	if (n <= 1) {
		return 1;
	}
	return n * f(n - 1);
}
write(f(5));
`
	require.Equal(t, "120\n", mustRun(t, src))
}

func TestEvaluator_S3_ArrayForEach(t *testing.T) {
	src := `
let xs = [1, 2, 3];
for (let n in xs) {
	write(n);
}
`
	require.Equal(t, "1\n2\n3\n", mustRun(t, src))
}

func TestEvaluator_S4_StringConcatenation(t *testing.T) {
	out := mustRun(t, `let s = "hi"; write(s + " " + s);`)
	require.Equal(t, "hi hi\n", out)
}

func TestEvaluator_S5_ConstReassignmentFails(t *testing.T) {
	r := require.New(t)
	_, err := runProgram(t, `const pi = 3; pi = 4;`, "")
	r.Error(err)
	ae, ok := err.(*AssignError)
	r.True(ok, "want *AssignError, got %T: %v", err, err)
	r.Equal(1, ae.Line)
}

func TestEvaluator_S6_IfElse(t *testing.T) {
	src := `
let x = 5;
if (x > 0) {
	write("pos");
} else {
	write("neg");
}
`
	require.Equal(t, "pos\n", mustRun(t, src))
}

func TestEvaluator_IntegerDivisionTruncates(t *testing.T) {
	require.Equal(t, "3\n", mustRun(t, `write(7 / 2);`))
}

func TestEvaluator_FloatDivisionKeepsFraction(t *testing.T) {
	require.Equal(t, "3.5\n", mustRun(t, `write(7.0 / 2);`))
}

func TestEvaluator_DivisionByZeroIsArithmeticError(t *testing.T) {
	_, err := runProgram(t, `write(1 / 0);`, "")
	require.IsType(t, &ArithmeticError{}, err)
}

func TestEvaluator_CompoundAssignment(t *testing.T) {
	require.Equal(t, "15\n", mustRun(t, `let x = 10; x += 5; write(x);`))
}

func TestEvaluator_PostfixIncrementReturnsOldValueAndUpdates(t *testing.T) {
	require.Equal(t, "1\n2\n", mustRun(t, `let x = 1; write(x++); write(x);`))
}

func TestEvaluator_TernarySelectsThenBranchOnTrueCondition(t *testing.T) {
	require.Equal(t, "yes\n", mustRun(t, `let x = 5; write(x > 0 ? "yes" : "no");`))
}

func TestEvaluator_ElvisShortForm(t *testing.T) {
	require.Equal(t, "true\n", mustRun(t, `let x = true; write(x ?: false);`))
}

func TestEvaluator_NullishCoalescingFallsBackOnImplicitNullReturn(t *testing.T) {
	src := `
function nothing() {
	let unused = 1;
}
write(nothing() ?? 42);
`
	require.Equal(t, "42\n", mustRun(t, src))
}

func TestEvaluator_NullishCoalescingWithFallback(t *testing.T) {
	src := `
function maybe() {
	return 7;
}
write(maybe() ?? 99);
`
	require.Equal(t, "7\n", mustRun(t, src))
}

func TestEvaluator_LogicalShortCircuitSkipsRightSideSideEffects(t *testing.T) {
	src := `
let calls = 0;
function bump() {
	calls += 1;
	return true;
}
let x = false && bump();
write(calls);
`
	require.Equal(t, "0\n", mustRun(t, src), "short-circuit should skip the right operand")
}

func TestEvaluator_BitwiseAndShift(t *testing.T) {
	out := mustRun(t, `write(6 & 3); write(6 | 1); write(1 << 4); write(-1 >>> 28);`)
	require.Equal(t, "2\n7\n16\n15\n", out)
}

func TestEvaluator_BitwiseXor(t *testing.T) {
	require.Equal(t, "3\n", mustRun(t, `write(1 ^^ 2);`))
}

func TestEvaluator_NullishCoalescingWithNonNullLeftOperand(t *testing.T) {
	require.Equal(t, "3\n", mustRun(t, `let x = 3; write(x ?? 99);`))
}

func TestEvaluator_Root(t *testing.T) {
	out := mustRun(t, `write(9 ^/ 2);`)
	require.Equal(t, "3.0\n", out)
}

func TestEvaluator_Membership(t *testing.T) {
	out := mustRun(t, `let xs = [1, 2, 3]; write(2 in xs); write(9 not in xs);`)
	require.Equal(t, "true\ntrue\n", out)
}

func TestEvaluator_ArrayIndexOutOfRange(t *testing.T) {
	_, err := runProgram(t, `let xs = [1, 2]; write(xs[5]);`, "")
	require.IsType(t, &IndexError{}, err)
}

func TestEvaluator_FunctionArityMismatch(t *testing.T) {
	src := `
function add(a, b) {
	return a + b;
}
write(add(1));
`
	_, err := runProgram(t, src, "")
	require.IsType(t, &ArityError{}, err)
}

func TestEvaluator_BlockScopingShadowsWithoutCorruptingOuter(t *testing.T) {
	src := `
let x = 1;
if (true) {
	let x = 2;
	write(x);
}
write(x);
`
	require.Equal(t, "2\n1\n", mustRun(t, src))
}

func TestEvaluator_ReadStmtParsesIntFloatOrString(t *testing.T) {
	out, err := runProgram(t, `read() x; write(x); read() y; write(y); read() z; write(z);`, "42\n3.5\nhello\n")
	require.NoError(t, err)
	require.Equal(t, "42\n3.5\nhello\n", out)
}

func TestEvaluator_ReturnOutsideFunctionIsRuntimeError(t *testing.T) {
	_, err := runProgram(t, `return 1;`, "")
	require.Error(t, err)
}

func TestEvaluator_WhileLoop(t *testing.T) {
	src := `
let i = 0;
while (i < 3) {
	write(i);
	i += 1;
}
`
	require.Equal(t, "0\n1\n2\n", mustRun(t, src))
}

func TestEvaluator_ClassicForLoop(t *testing.T) {
	src := `
for (let i = 0; i < 3; i++) {
	write(i);
}
`
	require.Equal(t, "0\n1\n2\n", mustRun(t, src))
}
