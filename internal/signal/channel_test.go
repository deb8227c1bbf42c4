package signal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bytebundle/bytebundle/internal/logging"
	"github.com/bytebundle/bytebundle/pkg/protocol"
)

func TestChannel_RoundTripThroughRelay(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	client, err := Dial(context.Background(), wsURL(srv), logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ch := NewChannel(client, logging.Nop())
	defer ch.Close()

	if ch.ChannelCount() != 1 {
		t.Fatalf("channel count = %d, want 1", ch.ChannelCount())
	}

	got := make(chan []byte, 1)
	ch.SetHandler(func(channelIndex int, payload []byte) {
		if channelIndex != 0 {
			t.Errorf("delivered on channel %d, want 0", channelIndex)
		}
		select {
		case got <- payload:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx) //nolint:errcheck

	env, err := protocol.NewEnvelope(protocol.TypeCancel, protocol.NewMsgID(), protocol.Cancel{
		TransferID: "t-1",
		OwnerID:    "peer-a",
		Reason:     "test",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.From = "peer-a"
	env.To = "peer-b"
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Send(context.Background(), 0, raw); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case payload := <-got:
		var echoed protocol.Envelope
		if err := json.Unmarshal(payload, &echoed); err != nil {
			t.Fatal(err)
		}
		if echoed.Type != protocol.TypeCancel || echoed.To != "peer-b" {
			t.Fatalf("echoed envelope: %+v", echoed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for relay echo")
	}
}

func TestChannel_RejectsNonZeroIndex(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	client, err := Dial(context.Background(), wsURL(srv), logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ch := NewChannel(client, logging.Nop())
	defer ch.Close()

	if err := ch.Send(context.Background(), 1, []byte("{}")); err == nil {
		t.Fatal("send on channel 1 was accepted")
	}
}
