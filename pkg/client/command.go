package client

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// HelpText lists the interactive commands.
const HelpText = `Commands:
/create [password]           - create a new chat (optional password)
/join <chat_id> <user> [pw]  - join an existing chat
/send <message>              - send to the current chat
/leave                       - leave the current chat
/exit                        - exit
/help                        - show this help`

var ErrInvalidCommand = errors.New("invalid command")

// Command is one parsed line of client input.
type Command interface {
	isCommand()
}

type CreateCommand struct{ Password *string }

type JoinCommand struct {
	ChatID   uuid.UUID
	Username string
	Password *string
}

type SendCommand struct{ Message string }

type LeaveCommand struct{}

type ExitCommand struct{}

type HelpCommand struct{}

func (CreateCommand) isCommand() {}
func (JoinCommand) isCommand()   {}
func (SendCommand) isCommand()   {}
func (LeaveCommand) isCommand()  {}
func (ExitCommand) isCommand()   {}
func (HelpCommand) isCommand()   {}

// ParseCommand parses one input line. Lines that do not start with a slash
// are an implicit send: typing /send every time gets old fast.
func ParseCommand(line string) (Command, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, ErrInvalidCommand
	}
	if !strings.HasPrefix(trimmed, "/") {
		return SendCommand{Message: trimmed}, nil
	}

	fields := strings.Fields(trimmed)
	switch fields[0] {
	case "/create":
		var password *string
		if len(fields) > 1 {
			password = &fields[1]
		}
		return CreateCommand{Password: password}, nil

	case "/join":
		if len(fields) < 3 {
			return nil, ErrInvalidCommand
		}
		chatID, err := uuid.Parse(fields[1])
		if err != nil {
			return nil, ErrInvalidCommand
		}
		var password *string
		if len(fields) > 3 {
			password = &fields[3]
		}
		return JoinCommand{ChatID: chatID, Username: fields[2], Password: password}, nil

	case "/send":
		message := strings.Join(fields[1:], " ")
		if message == "" {
			return nil, ErrInvalidCommand
		}
		return SendCommand{Message: message}, nil

	case "/leave":
		return LeaveCommand{}, nil
	case "/exit":
		return ExitCommand{}, nil
	case "/help":
		return HelpCommand{}, nil
	default:
		return nil, ErrInvalidCommand
	}
}
