// Command ticklatency measures the wall-clock latency of the controller's
// Step call under synthetic load and reports percentile latencies. It drives
// a tight, single-purpose timing loop directly against
// internal/controller.ControllerState.Step — no socket, no external
// process, nothing to benchmark but the core.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/rfsn/kernel/internal/controller"
	"github.com/rfsn/kernel/internal/envelope"
	"github.com/rfsn/kernel/internal/kernelmodel"
)

func main() {
	iterations := flag.Int("n", 100000, "number of controller ticks to measure")
	seed := flag.Int64("seed", 1, "PRNG seed for synthetic proposal jitter")
	flag.Parse()

	lat := run(*iterations, *seed)
	report(lat)
}

func run(n int, seed int64) []time.Duration {
	envs := envelope.DefaultEnvelopes()
	env := envs["base_arm_v1"]
	dofCount := len(env.QMin)

	lease := kernelmodel.CapabilityLease{
		Seq:      1,
		LeaseID:  "bench",
		IssuedT:  0,
		ExpiryT:  1e9,
		QMin:     env.QMin,
		QMax:     env.QMax,
		QdAbsMax: env.QdAbsMax,
		PrimaryAuthority: map[kernelmodel.ControlSpace]string{
			kernelmodel.SpaceArm: "bench_skill",
		},
	}

	ctrl := controller.New()
	if !ctrl.InstallLease(lease, 0, &env) {
		panic("ticklatency: initial lease install failed")
	}

	rng := rand.New(rand.NewSource(seed))
	mask := make([]int, dofCount)
	for i := range mask {
		mask[i] = i
	}

	latencies := make([]time.Duration, 0, n)
	nowT := 0.0
	dt := 1.0 / 500.0

	for i := 0; i < n; i++ {
		values := make([]float64, dofCount)
		for j := range values {
			values[j] = (rng.Float64()*2 - 1) * 0.1
		}
		cmd, err := kernelmodel.NewMaskedCommand(kernelmodel.SpaceArm, kernelmodel.KindVelocity, mask, values, "bench_skill")
		if err != nil {
			panic(err)
		}

		nowT += dt
		start := time.Now()
		ctrl.Step(nowT, []kernelmodel.MaskedCommand{cmd})
		latencies = append(latencies, time.Since(start))
	}

	return latencies
}

func report(latencies []time.Duration) {
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	pct := func(p float64) time.Duration {
		if len(sorted) == 0 {
			return 0
		}
		idx := int(p * float64(len(sorted)-1))
		return sorted[idx]
	}

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean := time.Duration(0)
	if len(sorted) > 0 {
		mean = sum / time.Duration(len(sorted))
	}

	fmt.Printf("ticks: %d\n", len(sorted))
	fmt.Printf("mean:  %v\n", mean)
	fmt.Printf("p50:   %v\n", pct(0.50))
	fmt.Printf("p90:   %v\n", pct(0.90))
	fmt.Printf("p99:   %v\n", pct(0.99))
	fmt.Printf("p999:  %v\n", pct(0.999))
	fmt.Printf("max:   %v\n", sorted[len(sorted)-1])
}
