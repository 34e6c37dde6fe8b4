package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/betbot/perpbridge/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("2"))

	badStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

type tickMsg time.Time

type snapshotMsg struct {
	snap snapshot
	err  error
}

type model struct {
	client   *statusClient
	interval time.Duration

	snap    snapshot
	lastErr error
	width   int
}

func initialModel(client *statusClient, interval time.Duration) model {
	return model{client: client, interval: interval}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchCmd(m.client), tickCmd(m.interval))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			return m, fetchCmd(m.client)
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		return m, tea.Batch(fetchCmd(m.client), tickCmd(m.interval))
	case snapshotMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		m.lastErr = nil
		m.snap = msg.snap
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("perpbridge monitor"))
	b.WriteString("  ")
	if m.snap.FetchedAt.IsZero() {
		b.WriteString(mutedStyle.Render("等待数据..."))
	} else {
		b.WriteString(mutedStyle.Render("更新于 " + m.snap.FetchedAt.Format("15:04:05")))
	}
	b.WriteString("\n\n")
	if m.lastErr != nil {
		b.WriteString(badStyle.Render("❌ " + m.lastErr.Error()))
		b.WriteString("\n\n")
	}

	top := lipgloss.JoinHorizontal(lipgloss.Top,
		borderStyle.Render(renderStatus(m.snap.Status)),
		"  ",
		borderStyle.Render(renderBalances(m.snap)),
	)
	b.WriteString(top)
	b.WriteString("\n")
	b.WriteString(borderStyle.Render(renderPositions(m.snap.Positions)))
	b.WriteString("\n")
	b.WriteString(borderStyle.Render(renderOrders(m.snap)))
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render("q 退出 · r 立即刷新"))
	return b.String()
}

func renderStatus(s statusResponse) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("状态"))
	b.WriteString("\n")
	if s.Ready {
		b.WriteString(okStyle.Render("● ready"))
	} else {
		b.WriteString(badStyle.Render("● not ready"))
	}
	b.WriteString("\n")
	keys := make([]string, 0, len(s.Status))
	for k := range s.Status {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		mark := badStyle.Render("✗")
		if s.Status[k] {
			mark = okStyle.Render("✓")
		}
		fmt.Fprintf(&b, "%s %s\n", mark, k)
	}
	fmt.Fprintf(&b, "tracked=%d pending_ack=%d unclaimed=%d\n", s.Stats.Tracked, s.Stats.PendingAck, s.Stats.Unclaimed)
	fmt.Fprintf(&b, "stream=%d fills=%d events=%d errors=%d", s.Stats.StreamEvents, s.Stats.FillsRegistered, s.Stats.EventsEmitted, s.Stats.Errors)
	return b.String()
}

func renderBalances(s snapshot) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("余额"))
	b.WriteString("\n")
	if len(s.Balances) == 0 {
		b.WriteString(mutedStyle.Render("无"))
		return b.String()
	}
	fmt.Fprintf(&b, "%-6s %14s %14s %14s\n", "币种", "总额", "可用", "占用")
	for _, bal := range s.Balances {
		fmt.Fprintf(&b, "%-6s %14s %14s %14s\n", bal.Currency,
			bal.Total.StringFixed(4), bal.Available.StringFixed(4), bal.Reserved.StringFixed(4))
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderPositions(ps []domain.Position) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("持仓"))
	b.WriteString("\n")
	if len(ps) == 0 {
		b.WriteString(mutedStyle.Render("无"))
		return b.String()
	}
	for _, p := range ps {
		side := okStyle.Render(string(p.Side))
		if p.Side == domain.PositionShort {
			side = badStyle.Render(string(p.Side))
		}
		fmt.Fprintf(&b, "%-10s %s %s @ %s x%d\n", p.TradingPair, side, p.Amount.String(), p.EntryPrice.StringFixed(4), p.Leverage)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderOrders(s snapshot) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("在途订单 (%d)", len(s.Orders))))
	b.WriteString("\n")
	if len(s.Orders) == 0 {
		b.WriteString(mutedStyle.Render("无"))
		return b.String()
	}
	orders := s.Orders
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt > orders[j].CreatedAt })
	for _, o := range orders {
		side := okStyle.Render(string(o.Side))
		if o.Side == domain.SideSell {
			side = badStyle.Render(string(o.Side))
		}
		ack := ""
		if o.PendingAck {
			ack = mutedStyle.Render(" (等待确认)")
		}
		fmt.Fprintf(&b, "%-28s %-9s %s %s/%s @ %s %s%s\n",
			o.LocalID, o.TradingPair, side, o.ExecutedBase.String(), o.Amount.String(), o.Price.String(), o.Status, ack)
	}
	return strings.TrimRight(b.String(), "\n")
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchCmd(c *statusClient) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := c.fetch(ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func main() {
	addr := flag.String("addr", getenv("PERP_STATUS_LISTEN", "127.0.0.1:8089"), "status API address")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	flag.Parse()

	if len(os.Getenv("DEBUG")) > 0 {
		f, err := tea.LogToFile("monitor-debug.log", "debug")
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
	}

	p := tea.NewProgram(initialModel(newStatusClient(*addr, 5*time.Second), *interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("运行程序失败: %v", err)
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
