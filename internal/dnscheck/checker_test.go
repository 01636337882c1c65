package dnscheck_test

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/inboundemail/inbound-sub004/internal/dnscheck"
	"github.com/inboundemail/inbound-sub004/internal/domain"
)

// startDNSServer serves canned answers keyed by "name|TYPE" on a loopback
// UDP port and returns its address.
func startDNSServer(t *testing.T, records map[string][]string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		key := strings.ToLower(q.Name) + "|" + dns.TypeToString[q.Qtype]
		rrs, ok := records[key]
		if !ok {
			m.Rcode = dns.RcodeNameError
		}
		for _, text := range rrs {
			rr, err := dns.NewRR(text)
			if err != nil {
				t.Errorf("bad test record %q: %v", text, err)
				continue
			}
			m.Answer = append(m.Answer, rr)
		}
		_ = w.WriteMsg(m)
	})

	srv := &dns.Server{PacketConn: pc, Handler: handler}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.ShutdownContext(ctx)
	})
	return pc.LocalAddr().String()
}

func verifiableDomain() *domain.EmailDomain {
	return &domain.EmailDomain{
		ID:                "dom-1",
		UserID:            "u1",
		Domain:            "acme.test",
		Status:            domain.DomainPending,
		VerificationToken: "tok-abc123",
		DKIMTokens:        []string{"dk1", "dk2"},
	}
}

func TestExpectedRecords(t *testing.T) {
	c := dnscheck.NewChecker("127.0.0.1:5300", "us-west-2")
	records := c.ExpectedRecords(verifiableDomain())

	if len(records) != 4 {
		t.Fatalf("records = %d, want TXT + 2 CNAME + MX", len(records))
	}
	if records[0].Type != "TXT" || records[0].Name != "_amazonses.acme.test" || records[0].Value != "tok-abc123" {
		t.Errorf("TXT record = %+v", records[0])
	}
	if records[1].Type != "CNAME" || records[1].Name != "dk1._domainkey.acme.test" ||
		records[1].Value != "dk1.dkim.amazonses.com" {
		t.Errorf("CNAME record = %+v", records[1])
	}
	mx := records[3]
	if mx.Type != "MX" || mx.Value != "inbound-smtp.us-west-2.amazonaws.com" || mx.Priority != 10 {
		t.Errorf("MX record = %+v", mx)
	}
}

func TestCheckAllRecordsPresent(t *testing.T) {
	addr := startDNSServer(t, map[string][]string{
		"_amazonses.acme.test.|TXT": {
			`_amazonses.acme.test. 300 IN TXT "tok-abc123"`,
		},
		"dk1._domainkey.acme.test.|CNAME": {
			"dk1._domainkey.acme.test. 300 IN CNAME dk1.dkim.amazonses.com.",
		},
		"dk2._domainkey.acme.test.|CNAME": {
			"dk2._domainkey.acme.test. 300 IN CNAME dk2.dkim.amazonses.com.",
		},
		"acme.test.|MX": {
			"acme.test. 300 IN MX 10 inbound-smtp.us-west-2.amazonaws.com.",
			"acme.test. 300 IN MX 20 backup.mail.test.",
		},
	})

	c := dnscheck.NewChecker(addr, "us-west-2")
	res, err := c.Check(context.Background(), verifiableDomain())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}

	if !res.TokenFound || !res.DKIMReady || !res.HasMX {
		t.Errorf("result = %+v, want everything found", res)
	}
	for _, rec := range res.Records {
		if !rec.IsVerified || rec.Status != dnscheck.RecordVerified {
			t.Errorf("record %s %s not verified", rec.Type, rec.Name)
		}
	}
}

func TestCheckMissingRecordsStayPending(t *testing.T) {
	// Only the TXT exists; DKIM and MX were never published.
	addr := startDNSServer(t, map[string][]string{
		"_amazonses.acme.test.|TXT": {
			`_amazonses.acme.test. 300 IN TXT "tok-abc123"`,
		},
	})

	c := dnscheck.NewChecker(addr, "us-west-2")
	res, err := c.Check(context.Background(), verifiableDomain())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}

	if !res.TokenFound {
		t.Error("TXT not found")
	}
	if res.DKIMReady || res.HasMX {
		t.Errorf("result = %+v, want DKIM and MX missing", res)
	}
	for _, rec := range res.Records {
		if rec.Type == "TXT" {
			continue
		}
		if rec.IsVerified || rec.Status != dnscheck.RecordPending {
			t.Errorf("record %s %s should be pending", rec.Type, rec.Name)
		}
	}
}

func TestCheckWrongTokenNotVerified(t *testing.T) {
	addr := startDNSServer(t, map[string][]string{
		"_amazonses.acme.test.|TXT": {
			`_amazonses.acme.test. 300 IN TXT "someone-elses-token"`,
		},
	})

	c := dnscheck.NewChecker(addr, "us-west-2")
	res, err := c.Check(context.Background(), verifiableDomain())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.TokenFound {
		t.Error("foreign token accepted as ownership proof")
	}
}

func TestHasInboundMX(t *testing.T) {
	addr := startDNSServer(t, map[string][]string{
		"acme.test.|MX": {
			"acme.test. 300 IN MX 10 INBOUND-SMTP.US-WEST-2.AMAZONAWS.COM.",
		},
		"other.test.|MX": {
			"other.test. 300 IN MX 10 mail.other.test.",
		},
	})
	c := dnscheck.NewChecker(addr, "us-west-2")

	ok, err := c.HasInboundMX(context.Background(), "acme.test")
	if err != nil {
		t.Fatalf("HasInboundMX: %v", err)
	}
	if !ok {
		t.Error("case-folded MX target not recognized")
	}

	ok, err = c.HasInboundMX(context.Background(), "other.test")
	if err != nil {
		t.Fatalf("HasInboundMX: %v", err)
	}
	if ok {
		t.Error("foreign MX treated as the mailer's")
	}

	ok, err = c.HasInboundMX(context.Background(), "nonexistent.test")
	if err != nil {
		t.Fatalf("HasInboundMX on NXDOMAIN: %v", err)
	}
	if ok {
		t.Error("NXDOMAIN treated as having MX")
	}
}
