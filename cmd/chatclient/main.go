package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"coaching-chat/internal/client"
	"coaching-chat/internal/delivery"
	"coaching-chat/internal/domain"
	"coaching-chat/internal/logger"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"
)

type Connection struct {
	Server string `short:"s" long:"server" default:"http://localhost:8082" description:"chat server base URL"`
	Token  string `short:"t" long:"token" env:"CHAT_TOKEN" description:"access token"`
}

func (c Connection) wsURL() string {
	u := strings.TrimRight(c.Server, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

type Chat struct {
	Connection
	To           string `long:"to" required:"true" description:"receiver user id"`
	Session      string `long:"session" description:"session to join and attach messages to"`
	Conversation string `long:"conversation" description:"conversation id used for typing signals"`
}

func (x *Chat) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	m := client.NewSocketManager(x.wsURL(), x.Token, client.GorillaDialer{},
		client.OnStateChange(func(s client.State) { fmt.Printf("* %s\n", s) }),
		client.OnPersistentDisconnect(func(err error) {
			fmt.Printf("* live channel gave up, messages go over REST: %v\n", err)
		}),
	)
	m.On(domain.EventNewMessage, func(ev client.ServerEvent) {
		fmt.Printf("< %s\n", ev.Data)
	})
	m.On(domain.EventMessageRead, func(ev client.ServerEvent) {
		fmt.Printf("* read %s\n", ev.Data)
	})
	tracker := client.NewTypingTracker(nil, 0, func(userID, _ string, typing bool) {
		if typing {
			fmt.Printf("* %s is typing\n", userID)
		}
	})
	tracker.Attach(m)

	if err := m.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "live channel unavailable, using REST: %v\n", err)
	}
	if x.Session != "" && m.IsConnected() {
		if _, err := m.Request(ctx, domain.EventJoinSession, domain.JoinSessionRequest{SessionID: x.Session}); err != nil {
			return err
		}
	}

	sender := client.NewSender(m, client.NewRestClient(x.Server, x.Token))
	var typing *client.TypingEmitter
	if x.Conversation != "" {
		typing = client.NewTypingEmitter(m, x.Conversation, nil)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	req := domain.SendMessageRequest{ReceiverID: x.To}
	if x.Session != "" {
		req.SessionID = &x.Session
	}
	for {
		select {
		case <-ctx.Done():
			return m.Close()
		case line, ok := <-lines:
			if !ok {
				return m.Close()
			}
			if typing != nil {
				typing.Input(line)
				typing.Stop()
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			req.Content = line
			msg, err := sender.Send(ctx, req)
			if err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
				continue
			}
			fmt.Printf("> %s (%s)\n", msg.Content, msg.ID)
		}
	}
}

type Inbox struct {
	Connection
	Me       string   `long:"me" required:"true" description:"your user id"`
	Contacts []string `long:"contact" description:"contact as id:name, repeatable"`
}

func (x *Inbox) Execute(args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rest := client.NewRestClient(x.Server, x.Token)
	messages, err := rest.ListMessages(ctx)
	if err != nil {
		return err
	}
	summaries, err := rest.ListConversations(ctx)
	if err != nil {
		return err
	}

	var contacts []client.Contact
	for _, c := range x.Contacts {
		id, name, _ := strings.Cut(c, ":")
		contacts = append(contacts, client.Contact{ID: id, Name: name})
	}

	for _, e := range client.BuildConversations(x.Me, messages, contacts, summaries) {
		pin := " "
		if e.IsPinned {
			pin = "*"
		}
		preview := ""
		if e.LastMessage != nil {
			preview = e.LastMessage.Content
		}
		fmt.Printf("%s %-20s unread=%-3d %s\n", pin, e.PeerName, e.UnreadCount, preview)
	}
	return nil
}

type Token struct {
	Secret string        `long:"secret" env:"JWT_SECRET" default:"dev-secret" description:"HS256 signing secret"`
	User   string        `short:"u" long:"user" required:"true" description:"user id placed in sub"`
	Role   string        `short:"r" long:"role" default:"USER" description:"USER, COACH or ADMIN"`
	TTL    time.Duration `long:"ttl" default:"24h" description:"token lifetime"`
}

func (x *Token) Execute(args []string) error {
	role := domain.Role(strings.ToUpper(x.Role))
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", x.Role)
	}
	token, err := delivery.NewTokenVerifier(x.Secret).Sign(domain.Identity{UserID: x.User, Role: role}, x.TTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

var parser = flags.NewParser(nil, flags.Default)

func main() {
	log, err := logger.New(os.Getenv("ENVIRONMENT"))
	if err == nil {
		defer func() { _ = log.Sync() }()
	}

	parser.AddCommand("chat",
		"Chat with one user",
		"Connects to the live channel and sends every stdin line as a message, falling back to REST while offline.",
		&Chat{})
	parser.AddCommand("inbox",
		"List conversations",
		"Prints the conversation list, pinned first.",
		&Inbox{})
	parser.AddCommand("token",
		"Mint a development token",
		"Signs an access token for local testing.",
		&Token{})

	if _, err := parser.Parse(); err != nil {
		zap.S().Debugf("chatclient exited: %v", err)
		os.Exit(1)
	}
}
