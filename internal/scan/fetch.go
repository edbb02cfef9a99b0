package scan

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/pulkyeet/spread-scanner/internal/arbitrage"
	"github.com/pulkyeet/spread-scanner/internal/errcode"
)

type status string

const (
	statusFetchFailed status = "FETCH_FAILED"
	statusPassed      status = "PASSED"
	statusRejected    status = "REJECTED"
	statusCodeError   status = "CODE_ERROR"
)

// job is one quote to fetch.
type job struct {
	pool     arbitrage.Pool
	dir      arbitrage.Direction
	size     *big.Int
	amountIn *big.Int
	block    uint64
}

func (j job) key() string {
	return fmt.Sprintf("%s_%s_%s", j.pool.FitnessKey(), j.dir, j.size.String())
}

// attempt is a job and everything that became of it. each attempt ends in
// exactly one status.
type attempt struct {
	job     job
	quote   arbitrage.Quote
	err     error
	status  status
	code    errcode.Code
	details map[string]any
}

// the endpoint never answered: counted as fetch failures
var fetchFailureCodes = map[errcode.Code]bool{
	errcode.InfraRPCTimeout:      true,
	errcode.InfraRPCError:        true,
	errcode.InfraRateLimit:       true,
	errcode.InfraConnectionError: true,
	errcode.QuoteTimeout:         true,
}

// our side got it wrong: counted as code errors
var codeErrorCodes = map[errcode.Code]bool{
	errcode.InternalCodeError:  true,
	errcode.UnknownError:       true,
	errcode.InfraBadABI:        true,
	errcode.QuoteInvalidParams: true,
	errcode.DexUnsupportedType: true,
	errcode.DexAdapterNotFound: true,
	errcode.ValidationBadInput: true,
	errcode.ValidationError:    true,
}

// codes after which the endpoint did answer
var answeredCodes = map[errcode.Code]bool{
	errcode.QuoteRevert: true,
	errcode.InfraBadABI: true,
}

func failureCode(err error) errcode.Code {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errcode.InfraRPCTimeout
	}
	return errcode.CodeOf(err)
}

func statusOf(code errcode.Code) status {
	switch {
	case fetchFailureCodes[code]:
		return statusFetchFailed
	case codeErrorCodes[code]:
		return statusCodeError
	default:
		return statusRejected
	}
}

// fetch runs jobs with bounded parallelism. once ctx is done, queued jobs are
// abandoned and in-flight ones return with the context error; either way they
// end up as fetch failures and never block the cycle.
func (o *Orchestrator) fetch(ctx context.Context, jobs []job) []*attempt {
	out := make([]*attempt, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Scan.Concurrency)

	for i, j := range jobs {
		j := j // go 1.21 shares loop vars across iterations
		a := &attempt{job: j}
		out[i] = a
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				a.err = fmt.Errorf("abandoned at cycle deadline: %w", err)
				return nil
			}
			q, err := o.deps.Quoter.GetQuote(gctx, arbitrage.QuoteRequest{
				Pool:      j.pool,
				Direction: j.dir,
				Size:      j.size,
				AmountIn:  j.amountIn,
				Block:     j.block,
			})
			a.quote, a.err = q, err
			return nil
		})
	}
	// goroutines never return errors, a failed quote is data
	_ = g.Wait()

	for _, a := range out {
		if a.err == nil {
			continue
		}
		a.code = failureCode(a.err)
		a.status = statusOf(a.code)
		a.details = errcode.DetailsOf(a.err)
	}
	return out
}

// sortAttempts orders by pool, direction and size so samples and tapes are stable.
func sortAttempts(as []*attempt) {
	sort.SliceStable(as, func(i, j int) bool {
		a, b := as[i].job, as[j].job
		if ka, kb := a.pool.FitnessKey(), b.pool.FitnessKey(); ka != kb {
			return ka < kb
		}
		if a.dir != b.dir {
			return a.dir < b.dir
		}
		return a.size.Cmp(b.size) < 0
	})
}
