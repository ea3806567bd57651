package ml

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
)

// --- Helpers ---

func setupContext(t testing.TB, arch Architecture, batch int, seed int64) (*Network, *Context, Workspace) {
	t.Helper()
	nw, err := NewNetwork(arch)
	if err != nil {
		t.Fatal(err)
	}
	nw.InitXavier(NewRand(seed))

	b, err := NewBackend(0)
	if err != nil {
		t.Fatal(err)
	}
	ctx, err := NewContext(b, nw, batch)
	if err != nil {
		t.Fatal(err)
	}
	return nw, ctx, NewWorkspace(ctx.WorkspaceSize())
}

func smallArch(width, height, kernel, pool, stride int) Architecture {
	return Architecture{
		Channels: 1, Width: width, Height: height,
		Conv1Filters: 2, Conv2Filters: 3, KernelSize: kernel,
		PoolSize: pool, PoolStride: stride,
		FC1Units: 4, Classes: 10,
	}
}

// --- Shape propagation ---

func TestContextShapes(t *testing.T) {
	cases := []struct {
		width, height, kernel, pool, stride int
	}{
		{28, 28, 5, 2, 2},
		{32, 32, 3, 2, 2},
		{28, 28, 5, 3, 3},
		{20, 24, 3, 2, 2},
		{16, 16, 1, 2, 2},
		{29, 31, 4, 3, 2},
		{60, 60, 7, 4, 4},
	}

	for _, tc := range cases {
		arch := smallArch(tc.width, tc.height, tc.kernel, tc.pool, tc.stride)
		_, ctx, _ := setupContext(t, arch, 3, 1)

		h, w := tc.height, tc.width
		conv := func() { h, w = h-tc.kernel+1, w-tc.kernel+1 }
		pool := func() { h, w = h/tc.stride, w/tc.stride }
		conv()
		want1 := TensorDesc{N: 3, C: 2, H: h, W: w}
		pool()
		want2 := TensorDesc{N: 3, C: 2, H: h, W: w}
		conv()
		want3 := TensorDesc{N: 3, C: 3, H: h, W: w}
		pool()
		want4 := TensorDesc{N: 3, C: 3, H: h, W: w}

		want := []StageShape{
			{"conv1", want1},
			{"pool1", want2},
			{"conv2", want3},
			{"pool2", want4},
			{"fc1", TensorDesc{N: 3, C: 4, H: 1, W: 1}},
			{"relu", TensorDesc{N: 3, C: 4, H: 1, W: 1}},
			{"fc2", TensorDesc{N: 3, C: 10, H: 1, W: 1}},
			{"softmax", TensorDesc{N: 3, C: 10, H: 1, W: 1}},
		}
		got := ctx.Shapes()
		if len(got) != len(want) {
			t.Fatalf("%+v: %d stages, want %d", tc, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("%+v: stage %d = %+v, want %+v", tc, i, got[i], want[i])
			}
		}
	}
}

func TestLeNetShapes(t *testing.T) {
	nw, ctx, _ := setupContext(t, LeNet(1, 28, 28), 64, 1)
	if nw.FC1.Inputs != 800 {
		t.Errorf("fc1 has %d inputs, want 800", nw.FC1.Inputs)
	}
	if got := len(nw.Conv2.Weights); got != 20*50*5*5 {
		t.Errorf("conv2 holds %d weights", got)
	}
	if ctx.Shapes()[3].Out != (TensorDesc{N: 64, C: 50, H: 4, W: 4}) {
		t.Errorf("pool2 shape %v", ctx.Shapes()[3].Out)
	}
}

func TestNetworkRejectsOversizedKernel(t *testing.T) {
	_, err := NewNetwork(smallArch(8, 8, 5, 2, 2))
	if !errors.Is(err, ErrBadDescriptor) {
		t.Errorf("got %v, want ErrBadDescriptor", err)
	}
	_, err = NewNetwork(smallArch(4, 4, 5, 2, 2))
	if !errors.Is(err, ErrBadDescriptor) {
		t.Errorf("got %v, want ErrBadDescriptor", err)
	}
}

func TestContextWorkspaceCoversAlgorithms(t *testing.T) {
	_, ctx, ws := setupContext(t, LeNet(1, 28, 28), 4, 1)
	for i, algos := range ctx.ConvAlgorithms() {
		if algos.Forward == ConvAlgoIm2col && ctx.WorkspaceSize() == 0 {
			t.Errorf("conv%d uses im2col without workspace", i+1)
		}
	}
	if ws.Bytes() < ctx.WorkspaceSize() {
		t.Errorf("workspace %d bytes < %d", ws.Bytes(), ctx.WorkspaceSize())
	}
}

// --- Forward & Backward ---

func TestForwardDoesNotMutateInput(t *testing.T) {
	nw, ctx, ws := setupContext(t, LeNet(1, 28, 28), 2, 3)
	data := make([]float32, ctx.Input().Len())
	for i := range data {
		data[i] = float32(i%255) / 255
	}
	before := append([]float32(nil), data...)

	p := nw.Params()
	result := make([]float32, 2*10)
	if err := ctx.ForwardPropagation(data, &p, result, ws); err != nil {
		t.Fatal(err)
	}
	assertClose(t, "input", data, before, 0)
}

func TestSoftmaxLossGradient(t *testing.T) {
	nw, ctx, ws := setupContext(t, LeNet(1, 28, 28), 1, 11)
	data := make([]float32, ctx.Input().Len())
	for i := range data {
		data[i] = float32((i*31)%256) / 255
	}

	p := nw.Params()
	g := nw.NewParamSet()
	probs := make([]float32, 10)
	if err := ctx.ForwardPropagation(data, &p, probs, ws); err != nil {
		t.Fatal(err)
	}
	const label = 3
	if _, err := ctx.Backpropagation(data, []float32{label}, &p, &g, ws); err != nil {
		t.Fatal(err)
	}

	dlogits := ctx.diffs[len(ctx.diffs)-1]
	for j := range probs {
		want := probs[j]
		if j == label {
			want -= 1
		}
		if dlogits[j] != want {
			t.Errorf("dlogits[%d] = %v, want softmax - onehot = %v", j, dlogits[j], want)
		}
	}
}

func TestFC2GradientMatchesFiniteDifference(t *testing.T) {
	nw, ctx, ws := setupContext(t, LeNet(1, 28, 28), 1, 5)
	data := make([]float32, ctx.Input().Len())
	for i := range data {
		data[i] = float32((i*17)%256) / 255
	}

	p := nw.Params()
	g := nw.NewParamSet()
	if err := ctx.ForwardPropagation(data, &p, make([]float32, 10), ws); err != nil {
		t.Fatal(err)
	}
	const label = 7
	if _, err := ctx.Backpropagation(data, []float32{label}, &p, &g, ws); err != nil {
		t.Fatal(err)
	}

	// Loss as a function of the fc2 parameters, evaluated in float64 on the
	// fixed relu activations.
	hidden := ctx.Activation("relu")
	inputs, outputs := nw.FC2.Inputs, nw.FC2.Outputs
	loss := func(w, bias []float64) float64 {
		logits := make([]float64, outputs)
		for o := range logits {
			logits[o] = bias[o]
			for i, h := range hidden {
				logits[o] += float64(h) * w[i*outputs+o]
			}
		}
		m := logits[0]
		for _, v := range logits {
			m = math.Max(m, v)
		}
		sum := 0.0
		for _, v := range logits {
			sum += math.Exp(v - m)
		}
		return -(logits[label] - m - math.Log(sum))
	}

	w0 := toFloat64(p[FC2Weights])
	b0 := toFloat64(p[FC2Bias])
	settings := &fd.Settings{Formula: fd.Central, Step: 1e-4}

	numW := fd.Gradient(nil, func(w []float64) float64 { return loss(w, b0) }, w0, settings)
	numB := fd.Gradient(nil, func(b []float64) float64 { return loss(w0, b) }, b0, settings)

	check := func(name string, analytic []float32, numeric []float64) {
		for i, n := range numeric {
			a := float64(analytic[i])
			if math.Abs(a-n) > 1e-3*math.Abs(n)+1e-6 {
				t.Fatalf("%s[%d]: analytic %v, numeric %v", name, i, a, n)
			}
		}
	}
	check("fc2 weights", g[FC2Weights], numW)
	check("fc2 bias", g[FC2Bias], numB)

	if len(numW) != inputs*outputs {
		t.Fatalf("numeric gradient has %d entries", len(numW))
	}
}

// All-zero images with label 0 must give a finite loss, and the same seed
// must give the same decision.
func TestZeroImagesEndToEnd(t *testing.T) {
	run := func() ([]float32, float64, ParamSet) {
		nw, ctx, ws := setupContext(t, LeNet(1, 28, 28), 4, 2024)
		data := make([]float32, ctx.Input().Len())
		labels := []float32{0, 0, 0, 0}

		p := nw.Params()
		g := nw.NewParamSet()
		probs := make([]float32, 4*10)
		if err := ctx.ForwardPropagation(data, &p, probs, ws); err != nil {
			t.Fatal(err)
		}
		loss, err := ctx.Backpropagation(data, labels, &p, &g, ws)
		if err != nil {
			t.Fatal(err)
		}
		return probs, loss, g
	}

	probs1, loss1, g1 := run()
	probs2, loss2, _ := run()

	if math.IsNaN(loss1) || math.IsInf(loss1, 0) {
		t.Fatalf("loss = %v", loss1)
	}
	if loss1 != loss2 {
		t.Errorf("loss differs across identical runs: %v vs %v", loss1, loss2)
	}
	for n := 0; n < 4; n++ {
		c1 := Argmax(probs1[n*10 : (n+1)*10])
		c2 := Argmax(probs2[n*10 : (n+1)*10])
		if c1 != c2 {
			t.Errorf("sample %d classified %d then %d", n, c1, c2)
		}
		if n > 0 && c1 != Argmax(probs1[:10]) {
			t.Errorf("identical zero images classified differently")
		}
	}
	for id, buf := range g1 {
		for _, v := range buf {
			if math.IsNaN(float64(v)) {
				t.Fatalf("%v gradient holds NaN", ParamID(id))
			}
		}
	}
}

func TestBackpropagationRejectsBadLabel(t *testing.T) {
	nw, ctx, ws := setupContext(t, LeNet(1, 28, 28), 1, 1)
	data := make([]float32, ctx.Input().Len())
	p := nw.Params()
	g := nw.NewParamSet()
	if err := ctx.ForwardPropagation(data, &p, make([]float32, 10), ws); err != nil {
		t.Fatal(err)
	}
	for _, label := range []float32{-1, 10, 2.5} {
		if _, err := ctx.Backpropagation(data, []float32{label}, &p, &g, ws); err == nil {
			t.Errorf("label %v accepted", label)
		}
	}
}

// --- Evaluation ---

func TestEvaluateCountsErrors(t *testing.T) {
	nw, ctx, ws := setupContext(t, LeNet(1, 28, 28), 1, 9)
	p := nw.Params()
	sample := ctx.Input().SampleLen()

	images := make([]float32, 3*sample)
	for i := range images {
		images[i] = float32((i*7)%256) / 255
	}
	labels := make([]uint8, 3)
	for i := range labels {
		c, _, err := Classify(ctx, &p, images[i*sample:(i+1)*sample], ws)
		if err != nil {
			t.Fatal(err)
		}
		labels[i] = uint8(c)
	}

	eval, err := Evaluate(ctx, &p, images, labels, -1, ws)
	if err != nil {
		t.Fatal(err)
	}
	if eval.Samples != 3 || eval.Errors != 0 {
		t.Errorf("got %d errors over %d samples, want 0 over 3", eval.Errors, eval.Samples)
	}

	labels[1] = (labels[1] + 1) % 10
	eval, err = Evaluate(ctx, &p, images, labels, 2, ws)
	if err != nil {
		t.Fatal(err)
	}
	if eval.Samples != 2 || eval.Errors != 1 || eval.ErrorRate() != 0.5 {
		t.Errorf("got %+v, want 1 error over 2 samples", eval)
	}
}

func TestArgmaxFirstMaximumWins(t *testing.T) {
	if got := Argmax([]float32{0.1, 0.4, 0.4, 0.1}); got != 1 {
		t.Errorf("Argmax = %d, want 1", got)
	}
}

func TestTopKRanksAndAgreesWithArgmax(t *testing.T) {
	probs := []float32{0.1, 0.3, 0.05, 0.3, 0.25}
	got := TopK(probs, 3)
	want := []Prediction{{1, 0.3}, {3, 0.3}, {4, 0.25}}
	if len(got) != len(want) {
		t.Fatalf("got %d predictions, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("place %d = %+v, want %+v", i+1, got[i], want[i])
		}
	}
	if TopK(probs, 1)[0].Class != Argmax(probs) {
		t.Error("TopK(1) disagrees with Argmax")
	}
	if n := len(TopK(probs, 0)); n != len(probs) {
		t.Errorf("TopK(0) returned %d classes", n)
	}
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// --- Benchmarks: Full Network ---

var resultLoss float64

func benchmarkNetworkStep(b *testing.B, batch int) {
	nw, ctx, ws := setupContext(b, LeNet(1, 28, 28), batch, 1)
	data := make([]float32, ctx.Input().Len())
	for i := range data {
		data[i] = float32(i%256) / 255
	}
	labels := make([]float32, batch)
	p := nw.Params()
	g := nw.NewParamSet()
	probs := make([]float32, batch*10)

	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		if err := ctx.ForwardPropagation(data, &p, probs, ws); err != nil {
			b.Fatal(err)
		}
		loss, err := ctx.Backpropagation(data, labels, &p, &g, ws)
		if err != nil {
			b.Fatal(err)
		}
		resultLoss = loss
	}
}

func BenchmarkStep_Batch_1(b *testing.B)  { benchmarkNetworkStep(b, 1) }
func BenchmarkStep_Batch_64(b *testing.B) { benchmarkNetworkStep(b, 64) }

func TestCopyFromRejectsMismatchedShape(t *testing.T) {
	nw, err := NewNetwork(LeNet(1, 28, 28))
	if err != nil {
		t.Fatal(err)
	}
	dst, src := nw.NewParamSet(), nw.NewParamSet()
	src[FC2Bias] = src[FC2Bias][:3]

	err = dst.CopyFrom(&src)
	if err == nil {
		t.Fatal("mismatched shapes copied")
	}
	if _, ok := err.(interface{ StackTrace() errors.StackTrace }); !ok {
		t.Errorf("%T carries no stack trace", err)
	}
}
