package cmd

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var (
	okColor   = color.New(color.FgGreen).SprintFunc()
	warnColor = color.New(color.FgYellow).SprintFunc()
	errColor  = color.New(color.FgRed).SprintFunc()
	dimColor  = color.New(color.Faint).SprintFunc()
	boldColor = color.New(color.Bold).SprintFunc()
)

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running gateway's settings and background replies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
	cmd.Flags().StringVar(&gatewayAddr, "addr", "", "gateway base URL (default: from config)")
	cmd.AddCommand(statusCompleteCmd())
	return cmd
}

func runStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := opsRequest(ctx, cfg, http.MethodGet, "/v1/stats", nil)
	if err != nil {
		fmt.Println(errColor("gateway: DOWN"), dimColor(err.Error()))
		return nil
	}
	st := gjson.ParseBytes(stats)

	fmt.Println(boldColor("difybridge"), st.Get("version").String(), okColor("UP"),
		dimColor(fmt.Sprintf("uptime %s", time.Duration(st.Get("uptime_seconds").Int())*time.Second)))
	printField("Backend", st.Get("backend").String())
	storage := st.Get("storage").String()
	if !st.Get("shared").Bool() {
		storage += " " + warnColor("(single instance)")
	}
	printField("Storage", storage)
	push := okColor("enabled")
	if !st.Get("push_enabled").Bool() {
		push = warnColor("disabled, slow answers wait for the next message")
	}
	printField("Push", push)
	if st.Get("wecom_enabled").Bool() {
		printField("WeCom", okColor("enabled"))
	}
	printField("Deadline", st.Get("reply.deadline_ms").String()+"ms")
	printField("Max length", st.Get("reply.max_length").String())
	if trig := st.Get("reply.group_trigger").String(); trig != "" {
		printField("Trigger", trig)
	}

	conts, err := opsRequest(ctx, cfg, http.MethodGet, "/v1/continuations", nil)
	if err != nil {
		return err
	}
	fmt.Println()
	printContinuations(gjson.GetBytes(conts, "continuations"))
	return nil
}

func statusCompleteCmd() *cobra.Command {
	var waitMs int
	cmd := &cobra.Command{
		Use:   "complete <user-id>",
		Short: "Wait briefly for a user's background reply, then cancel it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := "/v1/continuations/" + url.PathEscape(args[0]) + "/complete"
			if waitMs >= 0 {
				path += "?wait_ms=" + strconv.Itoa(waitMs)
			}
			data, err := opsRequest(context.Background(), cfg, http.MethodPost, path, nil)
			if err != nil {
				return err
			}
			fmt.Println(args[0]+":", gjson.GetBytes(data, "result").String())
			return nil
		},
	}
	cmd.Flags().IntVar(&waitMs, "wait-ms", -1, "bounded wait before cancelling (default: reply.force_complete_wait_sec)")
	return cmd
}

const labelWidth = 12

func printField(label, value string) {
	fmt.Printf("  %s %s\n", runewidth.FillRight(label+":", labelWidth), value)
}

func printContinuations(list gjson.Result) {
	type row struct {
		user    string
		state   string
		started time.Time
	}
	var rows []row
	list.ForEach(func(key, value gjson.Result) bool {
		started, _ := time.Parse(time.RFC3339Nano, value.Get("started_at").String())
		rows = append(rows, row{user: key.String(), state: value.Get("state").String(), started: started})
		return true
	})
	if len(rows) == 0 {
		fmt.Println(dimColor("  no background replies running"))
		return
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].started.Before(rows[j].started) })

	width := runewidth.StringWidth("USER")
	for _, r := range rows {
		if w := runewidth.StringWidth(r.user); w > width {
			width = w
		}
	}
	fmt.Printf("  %s  %-10s %s\n", boldColor(runewidth.FillRight("USER", width)), boldColor("STATE"), boldColor("AGE"))
	for _, r := range rows {
		age := "-"
		if !r.started.IsZero() {
			age = time.Since(r.started).Round(time.Second).String()
		}
		state := r.state
		if state == "running" {
			state = warnColor(runewidth.FillRight(state, 10))
		} else {
			state = okColor(runewidth.FillRight(state, 10))
		}
		fmt.Printf("  %s  %s %s\n", runewidth.FillRight(r.user, width), state, age)
	}
}

func printHistory(data []byte) {
	res := gjson.ParseBytes(data)
	conv := res.Get("conversation_id").String()
	if conv == "" {
		fmt.Println(dimColor("no conversation"))
		return
	}
	printField("Conversation", conv)
	const width = 60
	res.Get("messages").ForEach(func(_, m gjson.Result) bool {
		ts := time.Unix(m.Get("created_at").Int(), 0).Format("2006-01-02 15:04")
		fmt.Println()
		fmt.Println(dimColor(ts))
		fmt.Println(boldColor("Q:"), runewidth.Truncate(oneLine(m.Get("query").String()), width, "…"))
		fmt.Println(okColor("A:"), runewidth.Truncate(oneLine(m.Get("answer").String()), width, "…"))
		return true
	})
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
