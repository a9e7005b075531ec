package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/John-Robertt/rezkacat/internal/catalog"
	"github.com/John-Robertt/rezkacat/internal/config"
	"github.com/John-Robertt/rezkacat/internal/domain"
)

// 退出码：0 成功；1 操作失败；2 参数错误。
const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || isHelp(args[0]) {
		printUsage(stdout)
		return exitOK
	}

	name, rest := args[0], args[1:]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "未知命令：%q\n\n", name)
		printUsage(stderr)
		return exitUsage
	}
	for _, a := range rest {
		if isHelp(a) {
			fmt.Fprintf(stdout, "用法：\n  rezkacat %s %s [--config <file>] [--proxy <url>]\n", name, cmd.usage)
			return exitOK
		}
	}

	ca, err := parseArgs(rest)
	if err != nil {
		fmt.Fprintf(stderr, "参数错误：%v\n\n", err)
		printUsage(stderr)
		return exitUsage
	}
	if n := len(ca.Positional); n < cmd.minArgs || n > cmd.maxArgs {
		fmt.Fprintf(stderr, "参数错误：%s 需要 %s\n", name, cmd.usage)
		return exitUsage
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(stderr, "读取当前目录失败：%v\n", err)
		return exitFail
	}
	eff, err := config.LoadEffective(cwd, config.CLIArgs{
		ConfigPath: ca.ConfigPath,
		ProxyURL:   ca.ProxyURL,
		ProxySet:   ca.ProxySet,
	})
	if err != nil {
		emitError(stdout, stderr, config.Code(err), err.Error())
		return exitFail
	}

	a, err := newApp(eff, stderr)
	if err != nil {
		emitError(stdout, stderr, domain.ErrCodeInternal, err.Error())
		return exitFail
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := &output{stdout: stdout, stderr: stderr}
	if err := cmd.run(ctx, a, ca, out); err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintf(stderr, "参数错误：%v\n", err)
			return exitUsage
		}
		emitError(stdout, stderr, domain.ErrorCode(err), catalog.Hint(err))
		return exitFail
	}
	return out.code
}

type command struct {
	usage            string
	minArgs, maxArgs int
	run              func(ctx context.Context, a *app, ca cliArgs, out *output) error
}

var commands = map[string]command{
	"search": {usage: "<query>", minArgs: 1, maxArgs: 1, run: func(ctx context.Context, a *app, ca cliArgs, out *output) error {
		res, err := a.cat.Search(ctx, ca.Positional[0])
		if err != nil {
			return err
		}
		out.emit(res, fmt.Sprintf("完成：results=%d", len(res.Movies)))
		return nil
	}},
	"movie": {usage: "<id>", minArgs: 1, maxArgs: 1, run: func(ctx context.Context, a *app, ca cliArgs, out *output) error {
		m, err := a.cat.GetMovie(ctx, ca.Positional[0])
		if err != nil {
			return err
		}
		out.emit(m, movieLine(m))
		return nil
	}},
	"show": {usage: "<id>", minArgs: 1, maxArgs: 1, run: func(ctx context.Context, a *app, ca cliArgs, out *output) error {
		m, err := a.cat.Stored(ctx, ca.Positional[0])
		if err != nil {
			return err
		}
		out.emit(m, movieLine(m))
		return nil
	}},
	"season": {usage: "<id> <season>", minArgs: 2, maxArgs: 2, run: func(ctx context.Context, a *app, ca cliArgs, out *output) error {
		s, err := indexArg("season", ca.Positional[1])
		if err != nil {
			return err
		}
		m, err := a.cat.GetSeason(ctx, ca.Positional[0], s)
		if err != nil {
			return err
		}
		out.emit(m, fmt.Sprintf("完成：season=%d episodes=%d", s, len(m.Seasons[s])))
		return nil
	}},
	"episode": {usage: "<id> <season> <episode>", minArgs: 3, maxArgs: 3, run: func(ctx context.Context, a *app, ca cliArgs, out *output) error {
		s, err := indexArg("season", ca.Positional[1])
		if err != nil {
			return err
		}
		e, err := indexArg("episode", ca.Positional[2])
		if err != nil {
			return err
		}
		m, err := a.cat.ResolveEpisode(ctx, ca.Positional[0], s, e)
		if err != nil {
			return err
		}
		set, _ := m.Seasons.Leaf(s, e)
		label, url, _ := a.cat.Best(set)
		out.emit(set, fmt.Sprintf("完成：s%d e%d best=%s %s", s, e, label, url))
		return nil
	}},
	"film": {usage: "<id>", minArgs: 1, maxArgs: 1, run: func(ctx context.Context, a *app, ca cliArgs, out *output) error {
		m, err := a.cat.Stored(ctx, ca.Positional[0])
		if err != nil {
			return err
		}
		m, err = a.cat.ResolveFilm(ctx, *m)
		if err != nil {
			return err
		}
		label, url, _ := a.cat.Best(m.Source)
		out.emit(m.Source, fmt.Sprintf("完成：best=%s %s", label, url))
		return nil
	}},
	"lookup": {usage: "<query> [--limit N]", minArgs: 1, maxArgs: 1, run: func(ctx context.Context, a *app, ca cliArgs, out *output) error {
		res, err := a.cat.Lookup(ctx, ca.Positional[0], ca.Limit)
		if err != nil {
			return err
		}
		out.emit(domain.SearchResult{Query: ca.Positional[0], Movies: res}, fmt.Sprintf("完成：results=%d", len(res)))
		return nil
	}},
	"prefetch": {usage: "<id>", minArgs: 1, maxArgs: 1, run: func(ctx context.Context, a *app, ca cliArgs, out *output) error {
		var obs catalog.Observer
		if w, interactive := pickProgressWriter(out.stderr); interactive {
			obs = newProgressUI(w)
		}
		rep, err := a.cat.Prefetch(ctx, ca.Positional[0], obs)
		if err != nil {
			return err
		}
		out.emit(rep, fmt.Sprintf("完成：total=%d ok=%d failed=%d skipped=%d",
			rep.Summary.Total, rep.Summary.OK, rep.Summary.Failed, rep.Summary.Skipped))
		if rep.Summary.Failed > 0 {
			for _, it := range rep.Items {
				if it.Status == catalog.ItemStatusFailed {
					fmt.Fprintf(out.stderr, "%s s%d e%d %s: %s\n", it.Kind, it.Season, it.Episode, it.ErrorCode, it.ErrorMsg)
				}
			}
			out.code = exitFail
		}
		return nil
	}},
	"serve": {usage: "[--addr host:port]", minArgs: 0, maxArgs: 0, run: func(ctx context.Context, a *app, ca cliArgs, out *output) error {
		addr := a.eff.ServerAddr
		if ca.Addr != "" {
			addr = ca.Addr
		}
		return a.serve(ctx, addr)
	}},
}

type cliArgs struct {
	ConfigPath string
	ProxyURL   string
	ProxySet   bool
	Limit      int
	Addr       string
	Positional []string
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

// parseArgs 同时支持 "--flag value" 与 "--flag=value"。
func parseArgs(args []string) (cliArgs, error) {
	ca := cliArgs{Limit: 20}

	value := func(i *int, name string) (string, error) {
		a := args[*i]
		if v, ok := strings.CutPrefix(a, name+"="); ok {
			return v, nil
		}
		if *i+1 >= len(args) {
			return "", fmt.Errorf("%s 需要一个值", name)
		}
		*i++
		return args[*i], nil
	}
	is := func(a, name string) bool { return a == name || strings.HasPrefix(a, name+"=") }

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case is(a, "--config"):
			v, err := value(&i, "--config")
			if err != nil {
				return cliArgs{}, err
			}
			if strings.TrimSpace(v) == "" {
				return cliArgs{}, fmt.Errorf("--config 不能为空")
			}
			ca.ConfigPath = v
		case is(a, "--proxy"):
			v, err := value(&i, "--proxy")
			if err != nil {
				return cliArgs{}, err
			}
			ca.ProxyURL = v
			ca.ProxySet = true
		case is(a, "--limit"):
			v, err := value(&i, "--limit")
			if err != nil {
				return cliArgs{}, err
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return cliArgs{}, fmt.Errorf("--limit 必须是非负整数，实际是 %q", v)
			}
			ca.Limit = n
		case is(a, "--addr"):
			v, err := value(&i, "--addr")
			if err != nil {
				return cliArgs{}, err
			}
			ca.Addr = v
		case a == "--":
			ca.Positional = append(ca.Positional, args[i+1:]...)
			return ca, nil
		case strings.HasPrefix(a, "-") && a != "-":
			return cliArgs{}, fmt.Errorf("未知参数 %q", a)
		default:
			ca.Positional = append(ca.Positional, a)
		}
	}
	return ca, nil
}

func indexArg(name, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, usageError{msg: fmt.Sprintf("%s 必须是非负整数，实际是 %q", name, s)}
	}
	return n, nil
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `用法：
  rezkacat <command> [args] [--config <file>] [--proxy <url>]

命令：
  search   <query>                    搜索并保存摘要
  movie    <id>                       抓取详情（电影会同时解析 source）
  show     <id>                       只读取已保存的条目
  season   <id> <season>              抓取某一季的剧集列表
  episode  <id> <season> <episode>    解析某一集的流地址
  film     <id>                       重新解析电影的流地址
  lookup   <query> [--limit N]        在已保存条目中模糊查找
  prefetch <id>                       抓取全部季并解析所有未解析的集
  serve    [--addr host:port]         启动 HTTP API

季与集的编号从 0 开始。stdout 不是终端时只输出一个 JSON 文档。
`)
}

type output struct {
	stdout, stderr io.Writer
	code           int
}

// emit：stdout 非 TTY 时只写一个 JSON（摘要走 stderr）；TTY 时写缩进 JSON 与摘要行。
func (o *output) emit(v any, summary string) {
	if isTTYWriter(o.stdout) {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Fprintf(o.stderr, "序列化输出失败：%v\n", err)
			return
		}
		fmt.Fprintf(o.stdout, "%s\n%s\n", b, summary)
		return
	}
	_ = json.NewEncoder(o.stdout).Encode(v)
	fmt.Fprintln(o.stderr, summary)
}

type errorDoc struct {
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

func emitError(stdout, stderr io.Writer, code, msg string) {
	if !isTTYWriter(stdout) {
		_ = json.NewEncoder(stdout).Encode(errorDoc{ErrorCode: code, ErrorMsg: msg})
	}
	fmt.Fprintf(stderr, "%s: %s\n", code, msg)
}

func movieLine(m *domain.Movie) string {
	kind := "film"
	if m.IsSeries {
		kind = "series"
	}
	return fmt.Sprintf("完成：%s %s translators=%d seasons=%d", kind, m.Title, len(m.Translators), len(m.Seasons))
}

func isTTYWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isTTY(f)
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter(stderr io.Writer) (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTYWriter(stderr) {
		return stderr, true
	}
	return nil, false
}
