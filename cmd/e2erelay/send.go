package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/floegence/e2erelay/internal/cmdutil"
	"github.com/floegence/e2erelay/payload"
	"github.com/floegence/e2erelay/protocol"
)

type sendOptions struct {
	method         string
	headers        []string
	data           string
	userAgent      string
	httpVersion    string
	timeout        int
	connectTimeout int
	insecure       bool
	include        bool
	statusOnly     bool
}

func sendCmd(g *globalOptions, stdin io.Reader) *cobra.Command {
	o := &sendOptions{}
	cmd := &cobra.Command{
		Use:   "send <url>",
		Short: "Relay one HTTP request to <url> through the node",
		Long: "Relay one HTTP request through the node. The request and the response are\n" +
			"encrypted end to end; the node only sees them after decryption with the\n" +
			"shared secret. With --status-only the destination status is printed.",
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := o.request(args[0], stdin)
			if err != nil {
				return err
			}
			c, err := g.newClient(true)
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			if o.statusOnly {
				status, err := c.SendStatusOnly(cmd.Context(), req)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, status)
				return nil
			}
			res, err := c.Send(cmd.Context(), req)
			if err != nil {
				return err
			}
			if res.Response == nil {
				fmt.Fprintf(out, "relay status %d %s\n", res.Status, protocol.StatusText(res.Status))
				return nil
			}
			if o.include {
				writeHead(out, res.Response)
			}
			_, err = out.Write(res.Response.Body())
			return err
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.method, "request", "X", "GET", "forward method: GET, POST, PUT, DELETE or OPTIONS")
	f.StringArrayVarP(&o.headers, "header", "H", nil, `request header "Name: value" (repeatable)`)
	f.StringVarP(&o.data, "data", "d", "", "request body; @file reads a file, @- reads stdin")
	f.StringVarP(&o.userAgent, "user-agent", "A", "", "user agent sent to the destination")
	f.StringVar(&o.httpVersion, "http-version", "", "HTTP version hint: 1.0, 1.1 or 2")
	f.IntVar(&o.timeout, "forward-timeout", payload.DefaultTimeout, "total forward timeout at the node, in seconds")
	f.IntVar(&o.connectTimeout, "forward-connect-timeout", payload.DefaultConnectTimeout, "forward connect timeout at the node, in seconds")
	f.BoolVarP(&o.insecure, "insecure", "k", false, "let the node skip TLS verification of the destination")
	f.BoolVarP(&o.include, "include", "i", false, "print the destination status and headers before the body")
	f.BoolVar(&o.statusOnly, "status-only", false, "print only the destination status code")
	return cmd
}

func (o *sendOptions) request(url string, stdin io.Reader) (payload.ForwardRequest, error) {
	method := strings.ToLower(strings.TrimSpace(o.method))
	if !payload.IsForwardMethod(method) {
		return payload.ForwardRequest{}, cmdutil.Usagef("unsupported method %q", o.method)
	}
	opts := []payload.RequestOption{
		payload.WithTimeout(o.timeout),
		payload.WithConnectTimeout(o.connectTimeout),
	}
	for _, h := range o.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return payload.ForwardRequest{}, cmdutil.Usagef("invalid header %q (want \"Name: value\")", h)
		}
		opts = append(opts, payload.WithHeader(strings.TrimSpace(name), strings.TrimSpace(value)))
	}
	if o.data != "" {
		body, err := readData(o.data, stdin)
		if err != nil {
			return payload.ForwardRequest{}, err
		}
		opts = append(opts, payload.WithBody(body))
	}
	if o.userAgent != "" {
		opts = append(opts, payload.WithUserAgent(o.userAgent))
	}
	if o.httpVersion != "" {
		v, err := parseHTTPVersion(o.httpVersion)
		if err != nil {
			return payload.ForwardRequest{}, err
		}
		opts = append(opts, payload.WithHTTPVersion(v))
	}
	if o.insecure {
		opts = append(opts, payload.WithTLSVerify(false, false))
	}
	return payload.NewForwardRequest(method, url, opts...), nil
}

func readData(data string, stdin io.Reader) ([]byte, error) {
	switch {
	case data == "@-":
		return io.ReadAll(stdin)
	case strings.HasPrefix(data, "@"):
		b, err := os.ReadFile(data[1:])
		if err != nil {
			return nil, fmt.Errorf("read --data file: %w", err)
		}
		return b, nil
	default:
		return []byte(data), nil
	}
}

func parseHTTPVersion(s string) (payload.HTTPVersion, error) {
	switch strings.TrimPrefix(strings.ToUpper(s), "HTTP/") {
	case "1.0":
		return payload.HTTPVersion1_0, nil
	case "1.1":
		return payload.HTTPVersion1_1, nil
	case "2", "2.0":
		return payload.HTTPVersion2, nil
	default:
		return payload.HTTPVersionNone, cmdutil.Usagef("invalid --http-version %q (want 1.0, 1.1 or 2)", s)
	}
}

func writeHead(w io.Writer, resp *payload.ForwardResponse) {
	fmt.Fprintf(w, "HTTP %d\n", resp.StatusCode())
	headers := resp.Headers()
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s: %s\n", name, headers[name])
	}
	fmt.Fprintln(w)
}
