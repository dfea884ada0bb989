package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"txkv/pkg/dberrors"
	"txkv/pkg/store"
	"txkv/pkg/txn"

	"github.com/spf13/cobra"
	"github.com/zhangyunhao116/fastrand"
)

var (
	benchOps         = 1000
	benchConcurrency = 10
	benchKeys        = 100
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "swap KEY_A KEY_B",
		Short: "Copy the value of KEY_B into KEY_A in one transaction",
		Args:  cobra.ExactArgs(2),
		RunE:  swap,
	})

	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Run concurrent read-modify-write transactions over random keys",
		Args:  cobra.NoArgs,
		RunE:  bench,
	}
	fs := benchCmd.Flags()
	fs.IntVar(&benchOps, "ops", benchOps, "number of transactions")
	fs.IntVar(&benchConcurrency, "concurrency", benchConcurrency, "number of goroutines")
	fs.IntVar(&benchKeys, "keys", benchKeys, "size of the key space; smaller means more conflicts")
	rootCmd.AddCommand(benchCmd)
}

func openLocal() (*store.Store, error) {
	if addr != "" {
		return nil, errRemoteUnsupported
	}
	return store.New(&cfg)
}

func swap(cmd *cobra.Command, args []string) (err error) {
	st, err := openLocal()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	tx := txn.New(st, txn.NewGroup())
	a, b := []byte(args[0]), []byte(args[1])

	if _, _, err := tx.Get(a); err != nil {
		return err
	}
	vb, ok, err := tx.Get(b)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("txkv: %q not found", args[1])
	}
	if err := tx.Put(a, vb.Value); err != nil {
		return err
	}
	if err := tx.Put(b, vb.Value); err != nil {
		return err
	}
	return tx.Commit()
}

type benchResult struct {
	TotalOps   int
	Committed  int
	Conflicts  int
	Failed     int
	Duration   time.Duration
	OpsPerSec  float64
	AvgLatency time.Duration
	P99Latency time.Duration
	MaxLatency time.Duration
}

func bench(cmd *cobra.Command, args []string) (err error) {
	if benchOps < 1 || benchConcurrency < 1 || benchKeys < 2 {
		return fmt.Errorf("txkv: %w: ops, concurrency and keys must be positive, keys at least 2", dberrors.ErrInvalidArgument)
	}

	st, err := openLocal()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	res := runBench(st, txn.NewGroup(), benchOps, benchConcurrency, benchKeys)
	printBenchResult(cmd, res)
	return nil
}

// runBench runs totalOps transfers between two distinct random keys.
func runBench(st *store.Store, group *txn.Group, totalOps, concurrency, keys int) benchResult {
	key := func(i int) []byte { return []byte(fmt.Sprintf("bench_key_%06d", i)) }

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		res       = benchResult{TotalOps: totalOps}
		latencies = make([]time.Duration, 0, totalOps)
	)

	ops := make(chan struct{}, totalOps)
	for i := 0; i < totalOps; i++ {
		ops <- struct{}{}
	}
	close(ops)

	start := time.Now()
	for g := 0; g < concurrency; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range ops {
				from := fastrand.Intn(keys)
				to := (from + 1 + fastrand.Intn(keys-1)) % keys

				opStart := time.Now()
				err := transfer(st, group, key(from), key(to))
				latency := time.Since(opStart)

				mu.Lock()
				switch {
				case err == nil:
					res.Committed++
				case errors.Is(err, dberrors.ErrConflict):
					res.Conflicts++
				default:
					res.Failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	res.Duration = time.Since(start)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	if n := len(latencies); n > 0 {
		res.AvgLatency = sum / time.Duration(n)
		res.P99Latency = latencies[n*99/100]
		res.MaxLatency = latencies[n-1]
	}
	res.OpsPerSec = float64(res.Committed) / res.Duration.Seconds()
	return res
}

// transfer moves one unit from one balance to another. Absent keys hold 0.
func transfer(st *store.Store, group *txn.Group, from, to []byte) error {
	tx := txn.New(st, group)

	a, err := balance(tx, from)
	if err != nil {
		return errors.Join(err, release(tx))
	}
	b, err := balance(tx, to)
	if err != nil {
		return errors.Join(err, release(tx))
	}
	if err := tx.Put(from, strconv.AppendInt(nil, a-1, 10)); err != nil {
		return err
	}
	if err := tx.Put(to, strconv.AppendInt(nil, b+1, 10)); err != nil {
		return err
	}
	return tx.Commit()
}

// release ends tx without writes. A conflict already ended it.
func release(tx *txn.Txn) error {
	if err := tx.Commit(); err != nil && !errors.Is(err, dberrors.ErrTxnDone) {
		return err
	}
	return nil
}

func balance(tx *txn.Txn, key []byte) (int64, error) {
	e, ok, err := tx.Get(key)
	if err != nil || !ok {
		return 0, err
	}
	return strconv.ParseInt(string(e.Value), 10, 64)
}

func printBenchResult(cmd *cobra.Command, r benchResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Total transactions: %d\n", r.TotalOps)
	fmt.Fprintf(out, "Committed: %d\n", r.Committed)
	fmt.Fprintf(out, "Conflicts: %d\n", r.Conflicts)
	fmt.Fprintf(out, "Failed: %d\n", r.Failed)
	fmt.Fprintf(out, "Duration: %v\n", r.Duration)
	fmt.Fprintf(out, "Throughput: %.2f commits/sec\n", r.OpsPerSec)
	fmt.Fprintf(out, "Latency avg/p99/max: %v / %v / %v\n", r.AvgLatency, r.P99Latency, r.MaxLatency)
}
