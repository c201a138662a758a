package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	queueURL     string
	numberOfJobs int
	concurrency  int
	jobMix       JobMix
	maxSeconds   int
	missingRatio float64
	sendInterval time.Duration
	sendTimeout  time.Duration
)

func loadConfig() {
	queueURL = getEnv("SQS_QUEUE_URL", "")
	if queueURL == "" {
		fmt.Fprintf(os.Stderr, "ERROR: SQS_QUEUE_URL environment variable is required\n")
		os.Exit(1)
	}

	numberOfJobs = getEnvInt("LOAD_TEST_JOBS", 100)
	concurrency = getEnvInt("LOAD_TEST_CONCURRENCY", 4)
	jobMix = JobMix(getEnv("LOAD_TEST_MIX", string(MixMixed)))
	maxSeconds = max(getEnvInt("LOAD_TEST_MAX_SECONDS", 5), 0)
	missingRatio = getEnvFloat("LOAD_TEST_MISSING_ID_RATIO", 0.05)
	sendInterval = time.Duration(max(getEnvInt("LOAD_TEST_INTERVAL_MS", 50), 1)) * time.Millisecond
	sendTimeout = time.Duration(getEnvInt("LOAD_TEST_TIMEOUT_SECONDS", 30)) * time.Second
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if i, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return i
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return defaultVal
}

type sendResult struct {
	Index    int
	JobID    string
	Kind     string
	Duration time.Duration
	Err      error
}

type model struct {
	spinner    spinner.Model
	progress   progress.Model
	total      int
	sent       int
	failed     int
	byKind     map[string]int
	withoutID  int
	totalLat   time.Duration
	maxLat     time.Duration
	recent     []string
	lastErr    string
	startTime  time.Time
	isComplete bool
	width      int
}

type resultMsg sendResult
type completeMsg struct{}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			Background(lipgloss.Color("235")).
			Padding(0, 1).
			MarginBottom(1)

	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	valueStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("111"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 2).
			MarginBottom(1)
)

func initialModel() model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return model{
		spinner:   s,
		progress:  progress.New(progress.WithDefaultGradient()),
		total:     numberOfJobs,
		byKind:    map[string]int{},
		startTime: time.Now(),
	}
}

func (m model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = msg.Width - 4
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case resultMsg:
		m.sent++
		m.totalLat += msg.Duration
		if msg.Duration > m.maxLat {
			m.maxLat = msg.Duration
		}

		var line string
		if msg.Err != nil {
			m.failed++
			m.lastErr = msg.Err.Error()
			line = errorStyle.Render(fmt.Sprintf("✗ #%d %s job failed: %v", msg.Index, msg.Kind, msg.Err))
		} else {
			m.byKind[msg.Kind]++
			id := msg.JobID
			if id == "" {
				m.withoutID++
				id = "(no id)"
			}
			line = successStyle.Render(fmt.Sprintf("✓ #%d %s job %s (%v)", msg.Index, msg.Kind, id, msg.Duration.Round(time.Millisecond)))
		}
		m.recent = append([]string{line}, m.recent...)
		if len(m.recent) > 10 {
			m.recent = m.recent[:10]
		}
		return m, nil

	case completeMsg:
		m.isComplete = true
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("SQS Job Producer") + "\n")

	pct := 0.0
	if m.total > 0 {
		pct = float64(m.sent) / float64(m.total)
	}
	status := m.spinner.View()
	if m.isComplete {
		status = "✓"
	}
	b.WriteString(fmt.Sprintf("%s Sent %d/%d jobs (%.1f%%)\n", status, m.sent, m.total, pct*100))
	b.WriteString(m.progress.ViewAs(pct) + "\n\n")

	var avg time.Duration
	if m.sent > 0 {
		avg = m.totalLat / time.Duration(m.sent)
	}
	elapsed := time.Since(m.startTime).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(m.sent-m.failed) / elapsed
	}

	stats := []string{
		stat("Queue", queueURL),
		stat("Mix", string(jobMix)),
		stat("Text jobs", strconv.Itoa(m.byKind[string(MixText)])),
		stat("Seconds jobs", strconv.Itoa(m.byKind[string(MixSeconds)])),
		stat("Without id", strconv.Itoa(m.withoutID)),
		stat("Failed", strconv.Itoa(m.failed)),
		stat("Avg / max latency", fmt.Sprintf("%v / %v", avg.Round(time.Millisecond), m.maxLat.Round(time.Millisecond))),
		stat("Throughput", fmt.Sprintf("%.1f jobs/s", rate)),
	}
	b.WriteString(boxStyle.Render(strings.Join(stats, "\n")) + "\n")

	if len(m.recent) > 0 {
		b.WriteString(boxStyle.Render(strings.Join(m.recent, "\n")) + "\n")
	}
	if m.lastErr != "" {
		b.WriteString(errorStyle.Render("Last error: "+m.lastErr) + "\n")
	}

	if m.isComplete {
		b.WriteString(successStyle.Render("\nDone! Press 'q' to quit"))
	} else {
		b.WriteString(labelStyle.Render("\nPress 'q' to quit"))
	}
	return b.String()
}

func stat(label, value string) string {
	return labelStyle.Render(label+":") + " " + valueStyle.Render(value)
}

func sendJob(ctx context.Context, client *sqs.Client, gen *jobGenerator, index int) sendResult {
	job, err := gen.next()
	if err != nil {
		return sendResult{Index: index, Err: err}
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	start := time.Now()
	_, err = client.SendMessage(sendCtx, sendMessageInput(queueURL, job))
	return sendResult{
		Index:    index,
		JobID:    job.ID,
		Kind:     job.Kind,
		Duration: time.Since(start),
		Err:      err,
	}
}

func main() {
	loadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Unable to load SDK config: %v\n", err)
		os.Exit(1)
	}
	client := sqs.NewFromConfig(cfg)

	p := tea.NewProgram(initialModel(), tea.WithAltScreen())

	go func() {
		indexes := make(chan int)
		var wg sync.WaitGroup

		for w := 0; w < concurrency; w++ {
			wg.Add(1)
			go func(workerID int) {
				defer wg.Done()
				gen := &jobGenerator{
					rng:          rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID))),
					mix:          jobMix,
					maxSeconds:   maxSeconds,
					missingRatio: missingRatio,
				}
				for index := range indexes {
					p.Send(resultMsg(sendJob(ctx, client, gen, index)))
				}
			}(w)
		}

		ticker := time.NewTicker(sendInterval)
		defer ticker.Stop()
	feed:
		for i := 1; i <= numberOfJobs; i++ {
			select {
			case indexes <- i:
			case <-ctx.Done():
				break feed
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				break feed
			}
		}
		close(indexes)
		wg.Wait()
		p.Send(completeMsg{})
	}()

	go func() {
		<-sigChan
		cancel()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running program: %v\n", err)
		os.Exit(1)
	}
}
