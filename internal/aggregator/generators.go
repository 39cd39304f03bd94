package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

const dateLayout = "2006-01-02"

// HistoricalDates resolves the settings' historical request into the list of
// days to drive, newest last. Empty when the job is not historical.
func HistoricalDates(s service.Settings) ([]time.Time, error) {
	if s.Date != "" {
		d, err := time.Parse(dateLayout, s.Date)
		if err != nil {
			return nil, service.ConfigErrorf("invalid date %q", s.Date)
		}
		return []time.Time{d.UTC()}, nil
	}
	if s.After == "" && s.Before == "" {
		return nil, nil
	}
	if s.After == "" || s.Before == "" {
		return nil, service.ConfigErrorf("historical range needs both after and before")
	}

	start, err := time.Parse(dateLayout, s.After)
	if err != nil {
		return nil, service.ConfigErrorf("invalid after date %q", s.After)
	}
	end, err := time.Parse(dateLayout, s.Before)
	if err != nil {
		return nil, service.ConfigErrorf("invalid before date %q", s.Before)
	}
	if end.Before(start) {
		return nil, service.ConfigErrorf("before %q precedes after %q", s.Before, s.After)
	}

	var dates []time.Time
	for d := start.UTC(); !d.After(end.UTC()); d = d.Add(24 * time.Hour) {
		dates = append(dates, d)
	}
	return dates, nil
}

// generateWindow picks the window generators summarize in one-shot mode: the
// historical range when one was requested, the trailing day otherwise.
func (p *Pipeline) generateWindow() (service.GenerateWindow, error) {
	w := service.GenerateWindow{SkipAI: p.cfg.SkipAI}

	dates, err := HistoricalDates(p.cfg.Settings)
	if err != nil {
		return w, err
	}
	if len(dates) > 0 {
		w.Start = dates[0]
		w.End = dates[len(dates)-1].Add(24 * time.Hour)
		return w, nil
	}

	w.End = time.Now().UTC()
	w.Start = w.End.Add(-24 * time.Hour)
	return w, nil
}

// runDueGenerators invokes generators whose interval has elapsed since their
// last run, or whose cron schedule has fired. Continuous mode only.
func (p *Pipeline) runDueGenerators(ctx context.Context) error {
	now := time.Now().UTC()

	var due []service.Generator
	p.genMu.Lock()
	for _, gen := range p.cfg.Generators {
		if cg, ok := gen.(service.CronGenerator); ok {
			next, known := p.nextGen[gen.Name()]
			if !known {
				sched, err := cron.ParseStandard(cg.Schedule())
				if err != nil {
					p.genMu.Unlock()
					return service.ConfigErrorf("generator %q: bad schedule %q", gen.Name(), cg.Schedule())
				}
				p.nextGen[gen.Name()] = sched.Next(now)
				continue
			}
			if now.Before(next) {
				continue
			}
			sched, _ := cron.ParseStandard(cg.Schedule())
			p.nextGen[gen.Name()] = sched.Next(now)
			due = append(due, gen)
			continue
		}

		last, ran := p.lastGen[gen.Name()]
		if !ran || now.Sub(last) >= gen.Interval() {
			due = append(due, gen)
		}
	}
	p.genMu.Unlock()

	if len(due) == 0 {
		return nil
	}

	window := service.GenerateWindow{
		End:    now,
		SkipAI: p.cfg.SkipAI,
	}
	for _, gen := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		window.Start = now.Add(-maxDuration(gen.Interval(), time.Hour))
		if err := p.runGenerator(ctx, gen, window); err != nil {
			return err
		}
	}
	return nil
}

// runGenerators runs every generator over the given window. Used by one-shot
// jobs after the final fetch batch; interval declarations are ignored there.
func (p *Pipeline) runGenerators(ctx context.Context, window service.GenerateWindow) error {
	for _, gen := range p.cfg.Generators {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.runGenerator(ctx, gen, window); err != nil {
			return err
		}
	}
	return nil
}

// runGenerator executes one generator under the per-configuration lock so two
// runs never overlap.
func (p *Pipeline) runGenerator(ctx context.Context, gen service.Generator, window service.GenerateWindow) error {
	p.genMu.Lock()
	defer p.genMu.Unlock()

	p.rep.Phase(service.PhaseGenerating)

	summary, err := gen.Generate(ctx, window)
	if err != nil {
		return fmt.Errorf("generator %s: %w", gen.Name(), err)
	}
	p.lastGen[gen.Name()] = time.Now().UTC()
	if summary == nil {
		return nil
	}

	summary.ConfigID = p.cfg.ConfigID
	if err := p.cfg.Store.SaveSummary(ctx, *summary); err != nil {
		return fmt.Errorf("generator %s: save: %w", gen.Name(), err)
	}
	p.rep.Generated(summary.Type)
	return nil
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
