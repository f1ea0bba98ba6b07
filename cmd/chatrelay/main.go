// Command chatrelay is a line-based terminal client for the chat relay.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"

	"github.com/aeolun/chatrelay/pkg/client"
)

var (
	infoStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	usernameStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")) // blue
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
)

func main() {
	host := flag.String("host", "127.0.0.1", "server host")
	port := flag.Int("port", 6467, "server port")
	flag.Parse()

	addr := fmt.Sprintf("%s:%d", *host, *port)
	c, err := client.Dial(addr)
	if err != nil {
		fmt.Println(errorStyle.Render(fmt.Sprintf("Could not reach server at %s: %v", addr, err)))
		os.Exit(1)
	}
	defer c.Close()

	fmt.Println(infoStyle.Render("Connected to " + addr + "! Type /help for commands."))

	// Incoming broadcasts print as they arrive, interleaved with the prompt.
	go func() {
		for bc := range c.Broadcasts() {
			fmt.Printf("%s: %s\n", usernameStyle.Render(bc.Username), bc.Message)
		}
		fmt.Println(errorStyle.Render("Connection to server lost"))
		os.Exit(1)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		cmd, err := client.ParseCommand(scanner.Text())
		if err != nil {
			fmt.Println(infoStyle.Render("Invalid command. Type /help to see correct syntax"))
			continue
		}
		if done := runCommand(c, cmd); done {
			return
		}
	}
}

// runCommand executes one parsed command; true means exit.
func runCommand(c *client.Client, cmd client.Command) bool {
	switch cmd := cmd.(type) {
	case client.HelpCommand:
		fmt.Println(infoStyle.Render(client.HelpText))

	case client.CreateCommand:
		chatID, err := c.CreateChat(cmd.Password)
		if err != nil {
			printError(err)
			return false
		}
		fmt.Println(infoStyle.Render("Created new chat with chat_id = " + chatID.String()))

	case client.JoinCommand:
		if _, err := c.JoinChat(cmd.ChatID, cmd.Username, cmd.Password); err != nil {
			printError(err)
			return false
		}
		fmt.Println(infoStyle.Render("Joined chat as " + cmd.Username))

	case client.SendCommand:
		m := c.Membership()
		if m == nil {
			fmt.Println(infoStyle.Render("You must /join a chat before sending"))
			return false
		}
		if err := c.SendMessage(cmd.Message); err != nil {
			printError(err)
			return false
		}
		fmt.Printf("%s: %s\n", usernameStyle.Render(m.Username), cmd.Message)

	case client.LeaveCommand:
		if err := c.LeaveChat(); err != nil {
			if errors.Is(err, client.ErrNotJoined) {
				fmt.Println(infoStyle.Render("You are not in a chat"))
				return false
			}
			printError(err)
			return false
		}
		fmt.Println(infoStyle.Render("Left chat"))

	case client.ExitCommand:
		return true
	}
	return false
}

// printError distinguishes a server rejection (correct your input and retry)
// from a dead connection.
func printError(err error) {
	var serverErr *client.ServerError
	if errors.As(err, &serverErr) {
		fmt.Println(infoStyle.Render(fmt.Sprintf("[Server] %s | %s", serverErr.Code, serverErr.Message)))
		return
	}
	fmt.Println(errorStyle.Render(err.Error()))
}
