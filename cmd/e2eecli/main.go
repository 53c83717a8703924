// Command e2eecli is a two-party demo: it opens two local Core accounts
// under separate storage roots, has one build an invite and the other
// consume it, then exchanges a handful of messages both directions and
// prints the safety-number fingerprint both sides compute.
//
// It exists to exercise the full PQXDH handshake / ratchet / envelope
// round trip end to end, the way the teacher's cmd/*/main.go binaries
// exercise a single service's wiring at startup — flag-driven
// configuration, log.Fatalf on unrecoverable setup failure, a graceful
// shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	e2eecore "github.com/jaydenbeard/keyboard-e2ee-core"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/config"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/contacts"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/fingerprint"
)

func main() {
	aliceRoot := flag.String("alice-storage", "./e2ee-demo/alice", "storage root for the first account")
	bobRoot := flag.String("bob-storage", "./e2ee-demo/bob", "storage root for the second account")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	aliceCfg := config.Load()
	aliceCfg.StorageRoot = *aliceRoot
	bobCfg := config.Load()
	bobCfg.StorageRoot = *bobRoot

	alice, err := e2eecore.Open(aliceCfg)
	if err != nil {
		log.Fatalf("FATAL: failed to open alice's account: %v", err)
	}
	defer func() {
		if err := alice.Close(); err != nil {
			log.Printf("Warning: failed to close alice's account: %v", err)
		}
	}()

	bob, err := e2eecore.Open(bobCfg)
	if err != nil {
		log.Fatalf("FATAL: failed to open bob's account: %v", err)
	}
	defer func() {
		if err := bob.Close(); err != nil {
			log.Printf("Warning: failed to close bob's account: %v", err)
		}
	}()

	log.Printf("alice address: %s", alice.Address())
	log.Printf("bob address:   %s", bob.Address())

	aliceContact := contacts.Contact{RemoteAddress: bob.Address(), FirstName: "Bob"}
	bobContact := contacts.Contact{RemoteAddress: alice.Address(), FirstName: "Alice"}
	if err := alice.AddContact(aliceContact); err != nil {
		log.Fatalf("FATAL: alice failed to add bob as a contact: %v", err)
	}
	if err := bob.AddContact(bobContact); err != nil {
		log.Fatalf("FATAL: bob failed to add alice as a contact: %v", err)
	}

	invite, err := bob.BuildInvite()
	if err != nil {
		log.Fatalf("FATAL: bob failed to build an invite: %v", err)
	}
	if _, err := alice.Decrypt(invite, aliceContact); err != nil {
		log.Fatalf("FATAL: alice failed to consume bob's invite: %v", err)
	}

	if err := runExchange(ctx, alice, bob, aliceContact, bobContact); err != nil {
		log.Fatalf("FATAL: message exchange failed: %v", err)
	}

	aliceFP, _ := alice.Fingerprint(aliceContact)
	bobFP, _ := bob.Fingerprint(bobContact)
	fmt.Println("alice's safety number:")
	fmt.Println(fingerprint.Format(aliceFP))
	fmt.Println("bob's safety number:")
	fmt.Println(fingerprint.Format(bobFP))
	if aliceFP != bobFP {
		log.Fatalf("FATAL: safety numbers disagree")
	}

	select {
	case <-ctx.Done():
		log.Printf("shutting down: %v", ctx.Err())
	default:
	}
}

func runExchange(ctx context.Context, alice, bob *e2eecore.Core, aliceContact, bobContact contacts.Contact) error {
	messages := []struct {
		from, to *e2eecore.Core
		fromC, toC contacts.Contact
		text       string
	}{
		{alice, bob, aliceContact, bobContact, "hello bob"},
		{bob, alice, bobContact, aliceContact, "hi alice"},
		{alice, bob, aliceContact, bobContact, "how's the weather"},
	}

	for _, m := range messages {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		env, err := m.from.Encrypt(m.text, m.fromC)
		if err != nil {
			return fmt.Errorf("encrypt %q: %w", m.text, err)
		}
		wire := e2eecore.EncodeEnvelope(env)
		decoded, msgType := e2eecore.DecodeEnvelope(wire)
		if msgType == e2eecore.Invalid {
			return fmt.Errorf("encoded envelope for %q decoded as invalid", m.text)
		}
		plaintext, err := m.to.Decrypt(decoded, m.toC)
		if err != nil {
			return fmt.Errorf("decrypt %q: %w", m.text, err)
		}
		log.Printf("delivered: %q", plaintext)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(0):
		}
	}
	return nil
}
