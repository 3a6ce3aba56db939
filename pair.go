package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"clipsync/pairing"
	"clipsync/transport"
)

// pairOutcome closes the pairing wire exchange: either the initiator's
// confirmation MAC or a rejection.
type pairOutcome struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Confirm []byte `json:"confirm,omitempty"`
}

// runPairOffer starts a pairing session, prints the code and QR payload,
// and waits for one responder on the rendezvous port.
//
// Wire exchange, all messages length-prefixed JSON:
//
//	initiator -> responder: advertisement (payload with the code redacted)
//	responder -> initiator: pairing response
//	initiator -> responder: outcome with confirmation MAC
func (d *daemon) runPairOffer(ctx context.Context) error {
	rendezvous := fmt.Sprintf(":%d", d.cfg.ListeningPort+1)
	manager := pairing.NewManager(d.identity.DeviceID(), d.cfg.DeviceName, rendezvous)

	offer, err := manager.Start()
	if err != nil {
		return err
	}
	fmt.Printf("Pairing code:  %s\n", offer.Code)
	fmt.Printf("QR payload:    %s\n", offer.QRData)
	fmt.Printf("Expires:       %s\n", offer.ExpiresAt.Format(time.RFC3339))
	fmt.Println("Waiting for the other device...")

	listener, err := net.Listen("tcp", rendezvous)
	if err != nil {
		return fmt.Errorf("listen for pairing: %w", err)
	}
	defer listener.Close()
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	deadline := time.Until(offer.ExpiresAt)
	if tcpListener, ok := listener.(*net.TCPListener); ok {
		_ = tcpListener.SetDeadline(time.Now().Add(deadline))
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			manager.Cancel()
			return fmt.Errorf("pairing window closed: %w", err)
		}

		done, err := d.serveOneResponder(manager, conn)
		_ = conn.Close()
		if done {
			return err
		}
		if err != nil {
			d.log.Debug("pairing attempt failed", "error", err)
		}
	}
}

// serveOneResponder runs the exchange with one connection. done reports
// whether the pairing session is finished, for better or worse.
func (d *daemon) serveOneResponder(manager *pairing.Manager, conn net.Conn) (done bool, err error) {
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	advertised, err := manager.Payload()
	if err != nil {
		return true, err
	}
	advertised.Code = ""
	advJSON, err := json.Marshal(advertised)
	if err != nil {
		return true, err
	}
	if err := transport.WriteLinkFrame(conn, advJSON); err != nil {
		return false, err
	}

	responseJSON, err := transport.ReadLinkFrame(conn)
	if err != nil {
		return false, err
	}
	var response pairing.Response
	if err := json.Unmarshal(responseJSON, &response); err != nil {
		return false, fmt.Errorf("malformed pairing response: %w", err)
	}

	result, confirmation, err := manager.Complete(response)
	if err != nil {
		outcome := pairOutcome{Error: err.Error()}
		raw, _ := json.Marshal(outcome)
		_ = transport.WriteLinkFrame(conn, raw)
		// Mismatch and authentication failures destroy the session.
		terminal := errors.Is(err, pairing.ErrPairingExpired) ||
			errors.Is(err, pairing.ErrPairingMismatch) ||
			errors.Is(err, pairing.ErrPairingAuthentication) ||
			errors.Is(err, pairing.ErrNoActiveSession)
		return terminal, err
	}

	raw, err := json.Marshal(pairOutcome{OK: true, Confirm: confirmation.Confirm})
	if err != nil {
		return true, err
	}
	if err := transport.WriteLinkFrame(conn, raw); err != nil {
		return true, fmt.Errorf("deliver confirmation: %w", err)
	}

	if err := d.registerPairing(result.PeerDeviceID, result.PeerDeviceName, result.RootKey); err != nil {
		return true, err
	}
	fmt.Printf("Paired with %s (%s)\n", result.PeerDeviceName, result.PeerDeviceID)
	return true, nil
}

// runPairJoin pairs with an offering device, either from scanned QR data
// or from a typed code plus the offering device's address.
func (d *daemon) runPairJoin(qrData []byte, code, addr string) error {
	var rendezvous string
	if len(qrData) > 0 {
		payload, err := pairing.ParsePayload(qrData)
		if err != nil {
			return err
		}
		rendezvous = payload.Rendezvous
		if addr != "" {
			rendezvous = addr
		}
	} else {
		if code == "" || addr == "" {
			return errors.New("pairing by code needs both --code and --addr")
		}
		rendezvous = addr
	}

	conn, err := net.DialTimeout("tcp", rendezvous, 10*time.Second)
	if err != nil {
		return fmt.Errorf("reach pairing device at %s: %w", rendezvous, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	advJSON, err := transport.ReadLinkFrame(conn)
	if err != nil {
		return fmt.Errorf("read pairing advertisement: %w", err)
	}

	var responder *pairing.Responder
	var response pairing.Response
	if len(qrData) > 0 {
		responder, response, err = pairing.RespondWithQR(d.identity.DeviceID(), d.cfg.DeviceName, qrData)
	} else {
		advertised, parseErr := pairing.ParseAdvertisement(advJSON)
		if parseErr != nil {
			return parseErr
		}
		responder, response, err = pairing.RespondWithTypedCode(d.identity.DeviceID(), d.cfg.DeviceName, code, advertised)
	}
	if err != nil {
		return err
	}

	responseJSON, err := json.Marshal(response)
	if err != nil {
		return err
	}
	if err := transport.WriteLinkFrame(conn, responseJSON); err != nil {
		return fmt.Errorf("send pairing response: %w", err)
	}

	outcomeJSON, err := transport.ReadLinkFrame(conn)
	if err != nil {
		return fmt.Errorf("read pairing outcome: %w", err)
	}
	var outcome pairOutcome
	if err := json.Unmarshal(outcomeJSON, &outcome); err != nil {
		return fmt.Errorf("malformed pairing outcome: %w", err)
	}
	if !outcome.OK {
		return fmt.Errorf("pairing rejected: %s", outcome.Error)
	}

	result, err := responder.VerifyInitiator(pairing.Confirmation{Confirm: outcome.Confirm})
	if err != nil {
		return err
	}
	if err := d.registerPairing(result.PeerDeviceID, result.PeerDeviceName, result.RootKey); err != nil {
		return err
	}
	fmt.Printf("Paired with %s (%s)\n", result.PeerDeviceName, result.PeerDeviceID)
	return nil
}
