// Package doctor checks that the transport and stores a swarm is configured
// with are reachable and usable.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/kafswarm/internal/bus"
	"github.com/KafClaw/kafswarm/internal/kv"
	"github.com/KafClaw/kafswarm/internal/timeline"
)

// Options selects the checks to run. A nil Kafka skips the broker checks and
// an empty path skips that store.
type Options struct {
	Kafka        *bus.KafkaOptions
	Topics       []string // topics expected to exist; missing ones are a warning
	StorePath    string
	TimelinePath string
	Timeout      time.Duration
}

// Run executes every selected check and returns the summarized report.
func Run(ctx context.Context, opts Options) *Report {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	r := &Report{StartedAt: time.Now()}

	if opts.Kafka == nil {
		r.add(Row{"kafka", "(in-process bus)", L7, SKIP, "Bus backend is memory", ""})
	} else {
		for _, addr := range opts.Kafka.Brokers {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				r.add(Row{"kafka", addr, L3, FAIL, fmt.Sprintf("invalid broker address: %v", err), "Use host:port."})
				continue
			}
			checkDNS(r, host)
			if conn := checkTCP(r, addr, opts.Timeout); conn != nil {
				_ = conn.Close()
				checkKafka(ctx, r, *opts.Kafka, addr, opts.Topics, opts.Timeout)
			}
		}
	}

	if opts.StorePath != "" {
		checkStore(ctx, r, opts.StorePath)
	}
	if opts.TimelinePath != "" {
		checkTimeline(r, opts.TimelinePath)
	}

	r.FinishedAt = time.Now()
	r.summarize()
	return r
}

func checkDNS(r *Report, host string) {
	if _, err := net.LookupHost(host); err != nil {
		r.add(Row{"kafka", host, L3, FAIL, fmt.Sprintf("DNS lookup failed: %v", err),
			"Check /etc/hosts, DNS server, VPN search domains."})
		return
	}
	r.add(Row{"kafka", host, L3, OK, "Resolved host", ""})
}

func checkTCP(r *Report, addr string, timeout time.Duration) net.Conn {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		r.add(Row{"kafka", addr, L4, FAIL, fmt.Sprintf("TCP connect failed: %v", err),
			"Firewall, security groups, listeners or routing."})
		return nil
	}
	r.add(Row{"kafka", addr, L4, OK, fmt.Sprintf("Connected in %s", time.Since(start).Truncate(time.Millisecond)), ""})
	return conn
}

func checkKafka(ctx context.Context, r *Report, opts bus.KafkaOptions, addr string, topics []string, timeout time.Duration) {
	dialer, err := opts.Dialer()
	if err != nil {
		r.add(Row{"kafka", addr, L7, FAIL, fmt.Sprintf("dialer error: %v", err), "Check the SASL mechanism and credentials."})
		return
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		r.add(Row{"kafka", addr, L7, FAIL, policyHint("Dial", err), hint(err)})
		return
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	if _, err := conn.ApiVersions(); err != nil {
		r.add(Row{"kafka", addr, L7, FAIL, policyHint("ApiVersions", err), hint(err)})
		return
	}
	r.add(Row{"kafka", addr, L7, OK, "ApiVersions OK", ""})

	if len(topics) == 0 {
		return
	}
	parts, err := conn.ReadPartitions()
	if err != nil {
		r.add(Row{"kafka", addr, L7, FAIL, policyHint("ReadPartitions", err), hint(err)})
		return
	}
	leaders := map[string]int{}
	for _, p := range parts {
		if _, ok := leaders[p.Topic]; !ok {
			leaders[p.Topic] = 0
		}
		if p.Leader.Host != "" {
			leaders[p.Topic]++
		}
	}
	for _, t := range topics {
		n, ok := leaders[t]
		if !ok {
			r.add(Row{"kafka", t, L7, WARN, "Topic not found", "Created on first publish when auto-creation is enabled."})
			continue
		}
		r.add(Row{"kafka", t, L7, OK, fmt.Sprintf("Topic visible; leader partitions=%d", n), ""})
	}
}

const probeKey = "doctor:probe"

func checkStore(ctx context.Context, r *Report, path string) {
	b, err := kv.NewSQLiteBackend(path, 0)
	if err != nil {
		r.add(Row{"store", path, Storage, FAIL, fmt.Sprintf("open failed: %v", err), "Check the directory exists and is writable."})
		return
	}
	defer b.Close()
	if err := b.Set(ctx, probeKey, []byte("ok"), time.Minute); err != nil {
		r.add(Row{"store", path, Storage, FAIL, fmt.Sprintf("write failed: %v", err), ""})
		return
	}
	v, ok, err := b.Get(ctx, probeKey)
	_ = b.Delete(ctx, probeKey)
	if err != nil || !ok || string(v) != "ok" {
		r.add(Row{"store", path, Storage, FAIL, fmt.Sprintf("read back failed: ok=%v err=%v", ok, err), ""})
		return
	}
	r.add(Row{"store", path, Storage, OK, "Read/write OK", ""})
}

func checkTimeline(r *Report, path string) {
	tl, err := timeline.NewTimelineService(path)
	if err != nil {
		r.add(Row{"timeline", path, Storage, FAIL, fmt.Sprintf("open failed: %v", err), "Check the directory exists and is writable."})
		return
	}
	defer tl.Close()
	recs, err := tl.ListWorkflows("", 0, 0)
	if err != nil {
		r.add(Row{"timeline", path, Storage, FAIL, fmt.Sprintf("query failed: %v", err), ""})
		return
	}
	r.add(Row{"timeline", path, Storage, OK, fmt.Sprintf("%d workflows recorded", len(recs)), ""})
}

func policyHint(op string, err error) string {
	if ke, ok := kafkaErrorCode(err); ok {
		switch ke {
		case kafka.TopicAuthorizationFailed:
			return op + " failed: missing topic ACL"
		case kafka.GroupAuthorizationFailed:
			return op + " failed: missing group ACL"
		case kafka.SASLAuthenticationFailed:
			return op + " failed: SASL auth failure"
		case kafka.RequestTimedOut:
			return op + " failed: broker request timeout"
		}
	}
	if isTimeout(err) {
		return op + " failed: timeout (" + err.Error() + ")"
	}
	return op + " failed: " + err.Error()
}

func hint(err error) string {
	if ke, ok := kafkaErrorCode(err); ok {
		switch ke {
		case kafka.TopicAuthorizationFailed:
			return "Grant Write/Describe on the swarm topics and Read/Describe for consumers."
		case kafka.GroupAuthorizationFailed:
			return "Grant Read/Describe on the swarm consumer groups."
		case kafka.SASLAuthenticationFailed:
			return "Verify the SASL mechanism and credentials."
		case kafka.RequestTimedOut:
			return "Broker request timed out; check broker load and network path."
		}
	}
	if isTimeout(err) {
		return "Client timeout: check network path, firewall, DNS or advertised.listeners."
	}
	em := strings.ToLower(err.Error())
	switch {
	case strings.Contains(em, "sasl"), strings.Contains(em, "authentication"):
		return "Verify the SASL mechanism and credentials."
	case strings.Contains(em, "tls"), strings.Contains(em, "certificate"), strings.Contains(em, "eof"):
		return "TLS mismatch; check whether the listener expects TLS."
	default:
		return ""
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	em := strings.ToLower(err.Error())
	return strings.Contains(em, "deadline exceeded") || strings.Contains(em, "i/o timeout")
}

func kafkaErrorCode(err error) (kafka.Error, bool) {
	var ke kafka.Error
	if errors.As(err, &ke) {
		return ke, true
	}
	return 0, false
}
