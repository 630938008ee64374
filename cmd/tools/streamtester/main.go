package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/arc-relay/backend/pkg/streamclient"
)

var (
	rootCmd = &cobra.Command{
		Use:   "streamtester",
		Short: "Manual client for the ARC relay stream endpoints",
		Long:  `Starts runs against a relay, follows their event stream and prints the accumulated state.`,

		SilenceUsage: true,
	}
	runCmd = &cobra.Command{
		Use:   "run [feature] [taskId] [modelKey]",
		Short: "Start a run and follow it until it ends",
		Args:  cobra.ExactArgs(3),
		RunE:  runRun,
	}
	cancelCmd = &cobra.Command{
		Use:   "cancel [sessionId]",
		Short: "Cancel a pending or running session",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}

	apiURL   string
	timeout  time.Duration
	mode     string
	options  string
	prepare  bool
	asJSON   bool
	maxLogs  int
	maxChars int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "API 根地址，默认读取 STREAMTESTER_API")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 35*time.Minute, "整体超时时间")

	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&mode, "mode", "", "LLM 分析模式: explain, hint, critique")
	runCmd.Flags().StringVar(&options, "options", "", "以 JSON 对象传入的运行参数")
	runCmd.Flags().BoolVar(&prepare, "prepare", false, "先 POST 创建会话再通过 SSE 连接")
	runCmd.Flags().BoolVar(&asJSON, "json", false, "结束时以 JSON 输出完整状态")
	runCmd.Flags().IntVar(&maxLogs, "max-logs", streamclient.DefaultMaxLogs, "保留的日志行数")
	runCmd.Flags().IntVar(&maxChars, "max-chars", streamclient.DefaultMaxChars, "文本缓冲区的最大字符数")

	rootCmd.AddCommand(cancelCmd)
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	req := streamclient.StartRequest{TaskID: args[1], ModelKey: args[2], Mode: mode}
	if options != "" {
		if err := json.Unmarshal([]byte(options), &req.Options); err != nil {
			return fmt.Errorf("--options must be a JSON object: %w", err)
		}
	}

	ctx, cancel := commandContext()
	defer cancel()

	printer := &progressPrinter{}
	client := streamclient.New(baseURL(),
		streamclient.WithLimits(maxLogs, maxChars),
		streamclient.WithOnUpdate(printer.update))

	var (
		state streamclient.State
		err   error
	)
	if prepare {
		pending, prepErr := client.Prepare(ctx, args[0], req)
		if prepErr != nil {
			return prepErr
		}
		log.Printf("会话已创建: %s (过期时间 %s)", pending.SessionID, pending.ExpiresAt.Local().Format(time.RFC3339))
		state, err = client.Attach(ctx, pending.SessionID)
	} else {
		state, err = client.Stream(ctx, args[0], req)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(state); encErr != nil {
			log.Printf("[WARN] 输出状态失败: %v", encErr)
		}
	} else {
		printSummary(state)
	}

	if err != nil {
		return err
	}
	if state.Status != streamclient.StatusCompleted {
		return fmt.Errorf("run ended with status %s", state.Status)
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	if err := streamclient.New(baseURL()).Cancel(ctx, args[0]); err != nil {
		return err
	}
	log.Printf("已请求取消会话 %s", args[0])
	return nil
}

func commandContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// progressPrinter 打印状态变化和新增日志。
type progressPrinter struct {
	status streamclient.Status
	phase  string
	logs   int
}

func (p *progressPrinter) update(s streamclient.State) {
	if s.Status != p.status {
		log.Printf("状态: %s", s.Status)
		p.status = s.Status
	}
	if s.Phase != "" && s.Phase != p.phase {
		log.Printf("阶段: %s %s", s.Phase, s.Message)
		p.phase = s.Phase
	}

	total := len(s.Logs) + s.DroppedLogs
	if total > p.logs {
		fresh := total - p.logs
		if fresh > len(s.Logs) {
			fresh = len(s.Logs)
		}
		for _, line := range s.Logs[len(s.Logs)-fresh:] {
			log.Printf("[%s] %s", line.Level, line.Message)
		}
		p.logs = total
	}
}

func printSummary(s streamclient.State) {
	fmt.Printf("session:  %s\n", s.SessionID)
	fmt.Printf("status:   %s\n", s.Status)
	fmt.Printf("events:   %d\n", s.Events)
	if s.Error != "" {
		fmt.Printf("error:    %s\n", s.Error)
	}
	if s.Text != "" {
		fmt.Printf("\n--- text ---\n%s\n", s.Text)
	}
	if s.Reasoning != "" {
		fmt.Printf("\n--- reasoning ---\n%s\n", s.Reasoning)
	}
	if s.Code != "" {
		fmt.Printf("\n--- code ---\n%s\n", s.Code)
	}
	if len(s.Final) > 0 {
		fmt.Printf("\n--- final ---\n%s\n", s.Final)
	}
}

// baseURL 在 .env 加载之后解析，命令行参数优先。
func baseURL() string {
	if apiURL != "" {
		return apiURL
	}
	if v := os.Getenv("STREAMTESTER_API"); v != "" {
		return v
	}
	return "http://localhost:8080/api"
}
