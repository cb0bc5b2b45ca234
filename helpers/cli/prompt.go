// Package cli runs line oriented diagnostic shells:
// interactive prompt on terminal, otherwise commands are read from stdin.
package cli

import (
	"bufio"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
	"github.com/temoto/thermotele/log2"
)

// MainLoop returns on end of stdin or when interactive prompt exits.
// Signals terminate process with onSignal cleanup.
func MainLoop(log *log2.Log, tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest, onSignal func()) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		s := <-signalCh
		log.Infof("%s signal=%v", tag, s)
		if onSignal != nil {
			onSignal()
		}
		os.Exit(1)
	}()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
		return
	}
	if err := ExecReader(os.Stdin, exec); err != nil {
		log.Fatal(err)
	}
}

// ExecReader calls exec for each non-empty trimmed line.
func ExecReader(r io.Reader, exec func(line string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		exec(line)
	}
	return scanner.Err()
}
