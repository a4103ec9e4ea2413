// Command filemux is an interactive client for filemuxd.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/rfratto/filemux/internal/client"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) != 2 {
		fmt.Fprintf(stderr, "usage: %s <server_host> <server_port>\n", os.Args[0])
		return 1
	}
	port, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		fmt.Fprintf(stderr, "invalid server port %q\n", args[1])
		return 1
	}

	p := &prompt{
		cli: client.New(net.JoinHostPort(args[0], strconv.FormatUint(port, 10))),
		in:  bufio.NewScanner(stdin),
		out: stdout,
	}
	if err := p.Run(context.Background()); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	return 0
}

type prompt struct {
	cli *client.Client
	in  *bufio.Scanner
	out io.Writer
}

// errEndOfInput is returned by readLine when stdin is exhausted.
var errEndOfInput = errors.New("end of input")

func (p *prompt) readLine(question string) (string, error) {
	fmt.Fprintln(p.out, question)
	if !p.in.Scan() {
		if err := p.in.Err(); err != nil {
			return "", err
		}
		return "", errEndOfInput
	}
	return strings.TrimSpace(p.in.Text()), nil
}

// Run prompts for commands until Q or the end of input. Failed operations
// are reported and the prompt continues; only errors reading input are
// returned.
func (p *prompt) Run(ctx context.Context) error {
	for {
		line, err := p.readLine("enter a command (D, G, L, R, or Q):")
		if errors.Is(err, errEndOfInput) {
			return nil
		} else if err != nil {
			return err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch cmd := strings.ToUpper(fields[0]); cmd {
		case "Q":
			return nil
		case "L":
			p.list(ctx)
		case "D":
			err = p.delete(ctx)
		case "G":
			err = p.get(ctx)
		case "R":
			err = p.rename(ctx)
		default:
			fmt.Fprintln(p.out, "Unknown command!")
		}

		if errors.Is(err, errEndOfInput) {
			return nil
		} else if err != nil {
			return err
		}
	}
}

func (p *prompt) report(err error, success string) {
	switch {
	case err == nil:
		fmt.Fprintln(p.out, success)
	case errors.Is(err, client.ErrRejected):
		fmt.Fprintln(p.out, "The request was rejected by the server.")
	default:
		fmt.Fprintf(p.out, "Request failed: %s\n", err)
	}
}

func (p *prompt) list(ctx context.Context) {
	entries, err := p.cli.List(ctx)
	for _, e := range entries {
		fmt.Fprintf(p.out, "%s : %d\n", e.Name, e.Size)
	}
	if err != nil {
		p.report(err, "")
	}
}

func (p *prompt) delete(ctx context.Context) error {
	name, err := p.readLine("Enter the file you'd like to delete:")
	if err != nil {
		return err
	}
	p.report(p.cli.Delete(ctx, name), "File successfully deleted.")
	return nil
}

func (p *prompt) rename(ctx context.Context) error {
	oldName, err := p.readLine("Enter the file you'd like to rename:")
	if err != nil {
		return err
	}
	newName, err := p.readLine("Enter the desired new filename:")
	if err != nil {
		return err
	}
	p.report(p.cli.Rename(ctx, oldName, newName), "File successfully renamed.")
	return nil
}

func (p *prompt) get(ctx context.Context) error {
	name, err := p.readLine("Enter the file you'd like to receive:")
	if err != nil {
		return err
	}
	n, err := download(ctx, p.cli, name)
	p.report(err, fmt.Sprintf("Received %s (%d bytes).", name, n))
	return nil
}

// download saves name into the working directory. The local file is only
// replaced once the transfer completes.
func download(ctx context.Context, cli *client.Client, name string) (n int64, err error) {
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." || name == "" {
		return 0, fmt.Errorf("refusing to save to %q", name)
	}

	tmp, err := os.CreateTemp(".", "."+name+".part-*")
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	n, err = cli.Get(ctx, name, tmp)
	if err != nil {
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	return n, os.Rename(tmp.Name(), name)
}
