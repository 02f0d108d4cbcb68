package parser

import "testing"

func TestHTMLToText(t *testing.T) {
	html := `<html><head><style>p{color:red}</style></head>
<body><h1>Receipt</h1><p>Total:   <b>$15.99</b></p><script>alert(1)</script><div>Thanks</div></body></html>`

	got, err := HTMLToText(html)
	if err != nil {
		t.Fatalf("HTMLToText failed: %v", err)
	}

	expected := "Receipt\nTotal: $15.99\nThanks"
	if got != expected {
		t.Errorf("Expected %q, got %q", expected, got)
	}
}

func TestHTMLToText_Empty(t *testing.T) {
	got, err := HTMLToText("   ")
	if err != nil || got != "" {
		t.Errorf("expected empty result, got %q, %v", got, err)
	}
}
