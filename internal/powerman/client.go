package powerman

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/TheCacophonyProject/powerman/powerproto"
	"github.com/TheCacophonyProject/powerman/powerrequest"
	"github.com/chzyer/readline"
)

func replyErr(status powerproto.Status) error {
	if status == powerproto.StatusOK {
		return nil
	}
	return fmt.Errorf("powerman replied %s", status)
}

func stand() error {
	status, err := powerrequest.Stand()
	if err != nil {
		return err
	}
	log.Infof("Stand mode: %s", status)
	return replyErr(status)
}

func flight() error {
	status, err := powerrequest.Flight()
	if err != nil {
		return err
	}
	log.Infof("Flight power: %s", status)
	return replyErr(status)
}

func status() error {
	state, err := powerrequest.GetState()
	if err != nil {
		return err
	}
	fmt.Println(state)
	return nil
}

const consoleHelp = `commands:
  stand   enter stand mode
  flight  enable flight power
  status  print the latest power state
  quit    exit the console`

// runCommand runs one console line, returning io.EOF to quit.
func runCommand(line string) error {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
		return nil
	case "stand", "s":
		return stand()
	case "flight", "fly", "f":
		return flight()
	case "status", "st":
		return status()
	case "help", "?":
		fmt.Println(consoleHelp)
		return nil
	case "quit", "exit", "q":
		return io.EOF
	}
	return fmt.Errorf("unknown command '%s', try 'help'", line)
}

func console() error {
	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".powerman_history")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "powerman> ",
		HistoryFile: historyFile,
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	log.Out = rl.Stderr()

	fmt.Println(consoleHelp)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := runCommand(line); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			log.Error(err)
		}
	}
}
