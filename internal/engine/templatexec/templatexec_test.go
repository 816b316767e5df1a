package templatexec

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubClient struct {
	reply string
	err   error
	calls int
}

func (s *stubClient) Complete(ctx context.Context, prompt string) (string, error) {
	s.calls++
	return s.reply, s.err
}

func TestExecuteDirectValues(t *testing.T) {
	e := New(nil)
	out, vars := e.Execute(context.Background(), "{{rate:=2000}}Limit is $rate requests.", nil)
	if out != "Limit is 2000 requests." {
		t.Fatalf("output = %q", out)
	}
	if vars["rate"].Value != "2000" {
		t.Fatalf("vars = %+v", vars)
	}
}

func TestExecuteCurlyReferences(t *testing.T) {
	e := New(nil)
	out, _ := e.Execute(context.Background(), "{{city:=Lisbon}}Weather in {{$city}} today.", nil)
	if out != "Weather in Lisbon today." {
		t.Fatalf("output = %q", out)
	}
}

func TestExecuteSumAndAvg(t *testing.T) {
	e := New(nil)
	out, vars := e.Execute(context.Background(), "{{a:=10}}{{b:=20}}{{total:=SUM($a, $b, 30)}}{{mean:=AVG($a,$b)}}total=$total mean=$mean", nil)
	if vars["total"].Value != "60" {
		t.Fatalf("total = %q", vars["total"].Value)
	}
	if vars["mean"].Value != "15" {
		t.Fatalf("mean = %q", vars["mean"].Value)
	}
	if out != "total=60 mean=15" {
		t.Fatalf("output = %q", out)
	}
}

func TestExecuteCachesUnchangedDefinitions(t *testing.T) {
	client := &stubClient{reply: "blue"}
	e := New(client)
	template := "{{color:=LLM(pick a color)}}The sky is $color."

	_, vars := e.Execute(context.Background(), template, nil)
	if client.calls != 1 {
		t.Fatalf("calls = %d, want 1", client.calls)
	}

	out, _ := e.Execute(context.Background(), template, vars)
	if client.calls != 1 {
		t.Fatalf("unchanged definition must not recompute, calls = %d", client.calls)
	}
	if out != "The sky is blue." {
		t.Fatalf("output = %q", out)
	}

	// Changing the definition forces a recompute.
	_, _ = e.Execute(context.Background(), "{{color:=LLM(pick another color)}}$color", vars)
	if client.calls != 2 {
		t.Fatalf("changed definition must recompute, calls = %d", client.calls)
	}
}

func TestExecuteLLMWithoutClient(t *testing.T) {
	e := New(nil)
	out, _ := e.Execute(context.Background(), "{{x:=LLM(prompt)}}$x", nil)
	if !strings.Contains(out, "Error processing template") {
		t.Fatalf("output = %q", out)
	}
}

func TestExecuteLLMError(t *testing.T) {
	e := New(&stubClient{err: errors.New("rate limited")})
	out, _ := e.Execute(context.Background(), "{{x:=LLM(prompt)}}$x", nil)
	if !strings.Contains(out, "rate limited") {
		t.Fatalf("output = %q", out)
	}
}

func TestUnknownReferencesAreKept(t *testing.T) {
	e := New(nil)
	out, _ := e.Execute(context.Background(), "nothing defines $ghost here", nil)
	if out != "nothing defines $ghost here" {
		t.Fatalf("output = %q", out)
	}
}

func TestDefinitions(t *testing.T) {
	defs := Definitions("{{a:=1}} text {{b:=SUM(1,2)}}")
	if defs["a"] != "{{a:=1}}" || defs["b"] != "{{b:=SUM(1,2)}}" {
		t.Fatalf("defs = %v", defs)
	}
}
