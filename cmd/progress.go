package cmd

import (
	"fmt"
	"sync"

	"github.com/tanq16/hydra/internal/engine"
	"github.com/tanq16/hydra/internal/utils"
)

// progressRenderer turns engine events into terminal output. Progress
// updates overwrite one line; lifecycle events print on their own lines.
type progressRenderer struct {
	mu       sync.Mutex
	names    map[string]string
	lineOpen bool
}

func newProgressRenderer() *progressRenderer {
	return &progressRenderer{names: make(map[string]string)}
}

func (p *progressRenderer) handle(ev engine.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	taskID, _ := ev.Data["task_id"].(string)
	switch ev.Type {
	case engine.EventDownloadAdded:
		if name, ok := ev.Data["filename"].(string); ok {
			p.names[taskID] = name
		}
		size, _ := ev.Data["size"].(int64)
		p.printLine(utils.FInfo(utils.StyleSymbols["arrow"]+" "+p.names[taskID]) + utils.FDetail(" ("+utils.FormatBytes(size)+")"))
	case engine.EventDownloadProgress:
		bytesDone, _ := ev.Data["bytes_downloaded"].(int64)
		total, _ := ev.Data["total_size"].(int64)
		speed, _ := ev.Data["speed"].(float64)
		eta, _ := ev.Data["eta"].(float64)
		percent := 0.0
		if total > 0 {
			percent = float64(bytesDone) / float64(total) * 100
		}
		fmt.Printf("\r%s %s / %s (%.1f%%) at %s, ETA %s    ",
			p.names[taskID], utils.FormatBytes(bytesDone), utils.FormatBytes(total),
			percent, utils.FormatSpeed(speed), utils.FormatETA(eta))
		p.lineOpen = true
	case engine.EventAdaptiveDecision:
		// Decision details go to the debug log; the terminal only needs
		// a nudge that tuning happened.
		p.printLine(utils.FDetail(utils.StyleSymbols["bullet"] + " adjusted transfer parameters for " + p.names[taskID]))
	case engine.EventDownloadCompleted:
		p.breakLine()
		utils.PrintSuccess(utils.StyleSymbols["pass"] + " " + p.names[taskID] + " completed")
	case engine.EventDownloadFailed:
		p.breakLine()
		msg, _ := ev.Data["error"].(string)
		utils.PrintError(utils.StyleSymbols["fail"] + " " + p.names[taskID] + " failed: " + msg)
	case engine.EventDownloadPaused:
		p.printLine(utils.FDetail(p.names[taskID] + " paused"))
	case engine.EventDownloadCancelled:
		p.printLine(utils.FDetail(p.names[taskID] + " cancelled"))
	}
}

func (p *progressRenderer) breakLine() {
	if p.lineOpen {
		fmt.Println()
		p.lineOpen = false
	}
}

func (p *progressRenderer) printLine(text string) {
	p.breakLine()
	fmt.Println(text)
}

func (p *progressRenderer) finish() {
	p.mu.Lock()
	p.breakLine()
	p.mu.Unlock()
}

// completionWaiter resolves a channel per task when it reaches a
// terminal state.
type completionWaiter struct {
	mu      sync.Mutex
	waiting map[string]chan engine.Status
}

func newCompletionWaiter() *completionWaiter {
	return &completionWaiter{waiting: make(map[string]chan engine.Status)}
}

func (c *completionWaiter) register(taskID string) <-chan engine.Status {
	done := make(chan engine.Status, 1)
	c.mu.Lock()
	c.waiting[taskID] = done
	c.mu.Unlock()
	return done
}

func (c *completionWaiter) handle(ev engine.Event) {
	var status engine.Status
	switch ev.Type {
	case engine.EventDownloadCompleted:
		status = engine.StatusCompleted
	case engine.EventDownloadFailed:
		status = engine.StatusFailed
	case engine.EventDownloadCancelled:
		status = engine.StatusCancelled
	default:
		return
	}
	taskID, _ := ev.Data["task_id"].(string)
	c.mu.Lock()
	done, ok := c.waiting[taskID]
	if ok {
		delete(c.waiting, taskID)
	}
	c.mu.Unlock()
	if ok {
		done <- status
	}
}
