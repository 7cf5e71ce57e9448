package nlu

import "strings"

// Command is a session-wide order that works at any dialog step.
type Command string

const (
	CommandMenu  Command = "menu"
	CommandReset Command = "reset"
	CommandExit  Command = "salir"
	CommandBack  Command = "volver"
)

// Intent is a main menu action.
type Intent string

const (
	IntentBook     Intent = "reservar"
	IntentCancel   Intent = "cancelar"
	IntentQuestion Intent = "duda"
)

var (
	menuWords  = wordSet("menu", "inicio", "start", "empezar", "home")
	resetWords = wordSet("reiniciar", "reset", "empezar de cero", "empezar de nuevo")
	exitWords  = wordSet("salir", "parar", "stop", "abortar", "cancelar flujo", "cancelar operacion")
	backWords  = wordSet("volver", "atras", "back")

	affirmWords = []string{
		"si", "sí", "vale", "ok", "okay", "okey", "de acuerdo",
		"correcto", "confirmo", "perfecto", "claro", "por supuesto",
		"obvio", "así es", "exacto", "cierto", "seguro", "afirmativo",
		"dale", "hecho", "va", "venga", "eso es",
	}
	denialWords = []string{
		"no", "nunca", "negativo", "para nada", "en absoluto",
		"que va", "de ninguna manera", "imposible",
	}

	// cancelHints shortcut the intent lookup: a cancellation wish is
	// honoured even inside a longer sentence.
	cancelHints = []string{"cancelar", "anular", "anular cita", "cancelar cita", "cancelar reserva", "anular reserva"}

	intentMap = map[string]Intent{
		"reservar":                    IntentBook,
		"reserva":                     IntentBook,
		"quiero reservar":             IntentBook,
		"pedir cita":                  IntentBook,
		"sacar cita":                  IntentBook,
		"cancelar":                    IntentCancel,
		"cancelar cita":               IntentCancel,
		"anular":                      IntentCancel,
		"anular cita":                 IntentCancel,
		"quiero cancelar":             IntentCancel,
		"quiero cancelar una reserva": IntentCancel,
		"cancelar una reserva":        IntentCancel,
		"anular reserva":              IntentCancel,
		"duda":                        IntentQuestion,
		"ayuda":                       IntentQuestion,
		"pregunta":                    IntentQuestion,
		"consulta":                    IntentQuestion,
	}
)

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// GlobalCommand recognizes commands like "/menu", "reset" or "salir",
// with or without the leading slash.
func GlobalCommand(text string) (Command, bool) {
	t := strings.TrimPrefix(Normalize(text), "/")
	switch {
	case menuWords[t]:
		return CommandMenu, true
	case resetWords[t]:
		return CommandReset, true
	case exitWords[t]:
		return CommandExit, true
	case backWords[t]:
		return CommandBack, true
	}
	return "", false
}

// KeywordIntent resolves a menu intent without the interpreter.
// Cancellation keywords match as substrings; everything else needs an
// exact (normalized) phrase.
func KeywordIntent(text string) (Intent, bool) {
	t := NormalizeSpace(text)
	for _, hint := range cancelHints {
		if strings.Contains(t, hint) {
			return IntentCancel, true
		}
	}
	intent, ok := intentMap[t]
	return intent, ok
}

// IsAffirmative reports whether the message reads as a yes.
func IsAffirmative(text string) bool {
	return containsAny(strings.ToLower(strings.TrimSpace(text)), affirmWords)
}

// IsDenial reports whether the message reads as a no.
func IsDenial(text string) bool {
	return containsAny(strings.ToLower(strings.TrimSpace(text)), denialWords)
}

func containsAny(t string, words []string) bool {
	for _, w := range words {
		if strings.Contains(t, w) {
			return true
		}
	}
	return false
}
