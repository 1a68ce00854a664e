package tgui

import "testing"

func TestEscAndWrap(t *testing.T) {
	if got := B("a<b>&c"); got != "<b>a&lt;b&gt;&amp;c</b>" {
		t.Fatalf("B()=%q", got)
	}
	if got := JoinH(" ", B("x"), "", I("y")); got != "<b>x</b> <i>y</i>" {
		t.Fatalf("JoinH()=%q", got)
	}
}

func TestBuilder(t *testing.T) {
	var b Builder
	b.Text("1 < 2 ").HTML(B("ok"))
	if got := b.H(); got != "1 &lt; 2 <b>ok</b>" {
		t.Fatalf("Builder=%q", got)
	}
}

func TestTruncRunes(t *testing.T) {
	if got := TruncRunes("Понедельник", 3); got != "Пон…" {
		t.Fatalf("TruncRunes=%q", got)
	}
	if got := TruncRunes("abc", 3); got != "abc" {
		t.Fatalf("TruncRunes exact=%q", got)
	}
}
