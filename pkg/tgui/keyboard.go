package tgui

import tele "gopkg.in/telebot.v4"

// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
const MaxCallbackDataLen = 64

// Inline builds an inline keyboard row by row.
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline {
	return &Inline{rm: &tele.ReplyMarkup{}}
}

func (i *Inline) Row(btn ...tele.Btn) *Inline {
	if len(btn) == 0 {
		return i
	}
	i.rows = append(i.rows, i.rm.Row(btn...))
	i.rm.Inline(i.rows...)
	return i
}

// Grid adds buttons cols per row.
func (i *Inline) Grid(cols int, btns []tele.Btn) *Inline {
	if cols <= 0 {
		cols = 2
	}
	for start := 0; start < len(btns); start += cols {
		end := start + cols
		if end > len(btns) {
			end = len(btns)
		}
		i.Row(btns[start:end]...)
	}
	return i
}

func (i *Inline) Markup() *tele.ReplyMarkup { return i.rm }

// Btn creates a callback button with raw callback_data.
func Btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}
