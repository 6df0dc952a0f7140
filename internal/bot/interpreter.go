// Package bot turns chat messages into site operations. One message is
// one command: tokenize, match a verb, mutate through the repository,
// publish the matching device command, reply once. There is no
// conversation state between messages.
package bot

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mvaldes/sitewatch/internal/command"
	"github.com/mvaldes/sitewatch/internal/site"
	"github.com/mvaldes/sitewatch/internal/telegram"
	"go.uber.org/zap"
)

// Publisher ships signed commands to the device.
type Publisher interface {
	Publish(ctx context.Context, cmd command.Command) (command.Result, error)
}

// Sender delivers a reply to a chat.
type Sender interface {
	SendMessage(ctx context.Context, token, chatID, text string) error
}

const helpText = `available commands:
/add <id> <url> selector="#price" interval=900
/remove <id>
/pause <id>
/resume <id>
/checknow <id>
/list
/status`

const (
	defaultIntervalS = 900
	listLimit        = 20
)

// tokenPattern groups runs of non-space characters, letting
// double-quoted substrings span spaces. A quoted run glued to a bare
// run (selector="#price") stays one token.
var tokenPattern = regexp.MustCompile(`(?:[^\s"]+|"[^"]*")+`)

// rule describes one verb of the grammar: how many positional
// arguments it needs, its usage line, and which key=value options it
// recognizes.
type rule struct {
	minArgs int
	usage   string
	options []string
}

var grammar = map[string]rule{
	"add": {
		minArgs: 2,
		usage:   `usage: /add <id> <url> [selector="#price"] [mode=selector|full|markers|regex] [interval=900] [start="..."] [end="..."] [regex="..."] [paused=true|false]`,
		options: []string{"mode", "interval", "selector", "start", "end", "regex", "paused"},
	},
	"remove":   {minArgs: 1, usage: "usage: /remove <id>"},
	"delete":   {minArgs: 1, usage: "usage: /remove <id>"},
	"pause":    {minArgs: 1, usage: "usage: /pause <id>"},
	"resume":   {minArgs: 1, usage: "usage: /resume <id>"},
	"checknow": {minArgs: 1, usage: "usage: /checknow <id>"},
	"list":     {},
	"status":   {},
	"help":     {},
}

// Interpreter wires the chat transport to the repository and the
// publisher.
type Interpreter struct {
	repo      *site.Repository
	publisher Publisher
	resolver  *telegram.Resolver
	sender    Sender
	logger    *zap.Logger
}

// NewInterpreter builds the interpreter.
func NewInterpreter(repo *site.Repository, publisher Publisher, resolver *telegram.Resolver, sender Sender, logger *zap.Logger) *Interpreter {
	return &Interpreter{
		repo:      repo,
		publisher: publisher,
		resolver:  resolver,
		sender:    sender,
		logger:    logger,
	}
}

// Message is one inbound chat message.
type Message struct {
	ChatID string
	Text   string
}

// HandleMessage processes one message end to end: credential check,
// command execution, one reply. Messages from a chat other than the
// bound one are dropped. When no chat is bound yet, the sender's chat
// id is claimed as the bound chat.
func (i *Interpreter) HandleMessage(ctx context.Context, msg Message) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}

	creds, err := i.resolver.Resolve(ctx)
	if err != nil {
		return err
	}
	if creds.ChatID != "" && msg.ChatID != creds.ChatID {
		i.logger.Debug("message from unbound chat ignored", zap.String("chat_id", msg.ChatID))
		return nil
	}

	reply := i.Execute(ctx, text)
	if reply != "" {
		if err := i.sender.SendMessage(ctx, creds.Token, msg.ChatID, reply); err != nil {
			i.logger.Error("chat reply failed", zap.Error(err))
		}
	}

	// First message claims the chat when none is bound. Convenient for
	// bootstrap, but it means whoever reaches the webhook first owns the
	// bot until the binding is changed.
	if creds.ChatID == "" && msg.ChatID != "" {
		if _, err := i.resolver.Save(ctx, telegram.Update{ChatID: &msg.ChatID}); err != nil {
			return fmt.Errorf("claim chat id: %w", err)
		}
		i.logger.Warn("chat id auto-claimed by first message", zap.String("chat_id", msg.ChatID))
	}
	return nil
}

// Execute parses one line of text and runs it, returning the reply
// text. Failures come back as the reply, never as silence.
func (i *Interpreter) Execute(ctx context.Context, text string) string {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return ""
	}

	verb := strings.ToLower(strings.SplitN(strings.TrimPrefix(tokens[0], "/"), "@", 2)[0])
	args := tokens[1:]

	spec, known := grammar[verb]
	if !known {
		return helpText
	}
	if len(args) < spec.minArgs {
		return spec.usage
	}

	reply, err := i.run(ctx, verb, spec, args)
	if err != nil {
		return errorReply(err)
	}
	return reply
}

func (i *Interpreter) run(ctx context.Context, verb string, spec rule, args []string) (string, error) {
	switch verb {
	case "add":
		return i.runAdd(ctx, spec, args)
	case "remove", "delete":
		id := args[0]
		if err := i.repo.Delete(ctx, id); err != nil {
			return "", err
		}
		if _, err := i.publisher.Publish(ctx, command.Command{Type: command.TypeDeleteSite, Payload: command.IDPayload(id)}); err != nil {
			return "", err
		}
		return fmt.Sprintf("site %s removed.", id), nil
	case "pause", "resume":
		return i.runPauseResume(ctx, verb, args[0])
	case "checknow":
		id := args[0]
		if _, err := i.repo.Get(ctx, id); err != nil {
			return "", err
		}
		if _, err := i.publisher.Publish(ctx, command.Command{Type: command.TypeCheckNow, Payload: command.IDPayload(id)}); err != nil {
			return "", err
		}
		return fmt.Sprintf("immediate check requested for %s.", id), nil
	case "list":
		return i.runList(ctx)
	case "status":
		sites, err := i.repo.List(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("sitewatch is up. %d sites configured. use /list or /add to manage.", len(sites)), nil
	default: // help
		return helpText, nil
	}
}

func (i *Interpreter) runAdd(ctx context.Context, spec rule, args []string) (string, error) {
	options := ParseOptions(args[2:], spec.options)

	input := site.Input{
		ID:          args[0],
		URL:         args[1],
		IntervalS:   site.FlexInt(parseInterval(options["interval"])),
		Mode:        site.Mode(strings.ToLower(options["mode"])),
		SelectorCSS: options["selector"],
		StartMarker: options["start"],
		EndMarker:   options["end"],
		Regex:       options["regex"],
	}
	if input.Mode == "" {
		input.Mode = site.ModeSelector
	}
	if raw, ok := options["paused"]; ok {
		paused := raw == "true"
		input.Paused = &paused
	}

	saved, err := i.repo.Upsert(ctx, input)
	if err != nil {
		return "", err
	}
	if _, err := i.publisher.Publish(ctx, command.Command{Type: command.TypeUpsertSite, Payload: command.SitePayload(saved)}); err != nil {
		return "", err
	}
	return fmt.Sprintf("site %s saved and sent to the device.", saved.ID), nil
}

func (i *Interpreter) runPauseResume(ctx context.Context, verb, id string) (string, error) {
	var (
		saved *site.Config
		err   error
		typ   command.Type
		done  string
	)
	if verb == "pause" {
		saved, err = i.repo.Pause(ctx, id)
		typ, done = command.TypePauseSite, "paused"
	} else {
		saved, err = i.repo.Resume(ctx, id)
		typ, done = command.TypeResumeSite, "resumed"
	}
	if err != nil {
		return "", err
	}
	if _, err := i.publisher.Publish(ctx, command.Command{Type: typ, Payload: command.IDPayload(saved.ID)}); err != nil {
		return "", err
	}
	return fmt.Sprintf("site %s %s.", saved.ID, done), nil
}

func (i *Interpreter) runList(ctx context.Context) (string, error) {
	sites, err := i.repo.List(ctx)
	if err != nil {
		return "", err
	}
	if len(sites) == 0 {
		return "no sites configured.", nil
	}
	var b strings.Builder
	b.WriteString("configured sites:")
	for n, cfg := range sites {
		if n == listLimit {
			b.WriteString(fmt.Sprintf("\n… and %d more", len(sites)-listLimit))
			break
		}
		b.WriteString(fmt.Sprintf("\n• %s (%s) → %s", cfg.ID, cfg.Mode, cfg.URL))
	}
	return b.String(), nil
}

// errorReply maps domain failures to the plain-text chat reply.
func errorReply(err error) string {
	if errors.Is(err, site.ErrNotFound) {
		return "site not found."
	}
	var verr *site.ValidationError
	if errors.As(err, &verr) {
		return verr.Error()
	}
	var terr *command.TransportError
	if errors.As(err, &terr) {
		return "the change was saved but could not be delivered to the device: " + terr.Error()
	}
	var perr *command.PreconditionError
	if errors.As(err, &perr) {
		return perr.Error()
	}
	return "could not process the command: " + err.Error()
}

// Tokenize splits a line into tokens, treating double-quoted
// substrings as part of one token. Quotes surrounding a whole token
// are stripped.
func Tokenize(text string) []string {
	raw := tokenPattern.FindAllString(text, -1)
	tokens := make([]string, 0, len(raw))
	for _, tok := range raw {
		tokens = append(tokens, unquote(tok))
	}
	return tokens
}

// ParseOptions extracts recognized key=value options from the tokens.
// Tokens without an equals sign and unrecognized keys are dropped, not
// errors.
func ParseOptions(tokens []string, recognized []string) map[string]string {
	options := make(map[string]string)
	for _, tok := range tokens {
		key, value, ok := strings.Cut(tok, "=")
		if !ok || key == "" {
			continue
		}
		key = strings.ToLower(key)
		found := false
		for _, want := range recognized {
			if key == want {
				found = true
				break
			}
		}
		if !found {
			continue
		}
		options[key] = unquote(strings.TrimSpace(value))
	}
	return options
}

func unquote(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}

func parseInterval(raw string) int {
	if raw == "" {
		return defaultIntervalS
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return defaultIntervalS
	}
	return n
}
