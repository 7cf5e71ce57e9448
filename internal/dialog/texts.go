package dialog

import (
	"fmt"
	"strings"

	"github.com/agendabot/agendabot/internal/availability"
	"github.com/agendabot/agendabot/internal/shops"
)

// Every customer-facing string lives here. The wording is part of the
// product: tests pin these texts, and the WhatsApp layer pattern-matches
// none of them, so edits only need to stay consistent with themselves.

// Texts the HTTP loopback layer answers with before the engine runs.
const (
	TextCannotProcess  = "No he podido procesar tu mensaje ahora mismo. Inténtalo más tarde."
	TextCannotContinue = "No he podido continuar con la conversación. Inténtalo de nuevo."
	TextUnknownShop    = "No he podido identificar el negocio. Inténtalo más tarde."
	TextInternalError  = "Ha ocurrido un error interno. Por favor, inténtalo más tarde."
)

const (
	textRateLimited = "Estoy recibiendo muchos mensajes seguidos 😅. Espera unos segundos y seguimos."
	textChooseMenu  = "Por favor, elige una opción de las disponibles:"

	textAskService       = "¿Qué servicio deseas reservar?⬇️"
	textServiceFromList  = "Por favor, selecciona un servicio de la lista o escribe el nombre."
	textAskStaff         = "¿Con quién te gustaría reservar?"
	textStaffFromList    = "Elige un profesional de la lista, por favor."
	textAskDate          = "¿Para qué fecha quieres la cita?\n(dd/mm/aaaa)📅"
	textBadDate          = "Por favor, elige una fecha correcta (dd/mm/aaaa)."
	textDateNotExist     = "La fecha no existe, prueba con otra fecha (dd/mm/aaaa)."
	textDatePast         = "No puedes reservar para una fecha pasada, elige otra fecha."
	textDateTooFar       = "No se admiten reservas tan futuras. Elige una fecha anterior, por favor."
	textAskHour          = "¿A qué hora quieres tu cita?🕔"
	textHourNotParsed    = "No he entendido la hora, estas son las horas disponibles:"
	textReAskHour        = "Vuelvo a preguntarte la hora. ¿Cuál te viene bien?"
	textHourGone         = "Esa opción ya no está disponible."
	textHourPassed       = "No puedes reservar para una hora que ya ha pasado, indica otra fecha."
	textAskName          = "¿A nombre de quién hacemos la reserva?"
	textNameNotParsed    = "No entendí el nombre, ¿Puedes escribirlo de nuevo?"
	textNameInvalid      = "Ese nombre no es válido, ¿Puedes escribirlo de nuevo?"
	textAskPhone         = "¿Cuál es tu número de teléfono?"
	textPhoneInvalidBook = "El teléfono no es válido, ¿Puedes escribirlo de nuevo con el prefijo del país?"
	textBookDeclined     = "De acuerdo👌🏼, no confirmamos la reserva."
	textBookYesNo        = "👉 Responde *si* para confirmarla\n👉 Responde *no* para cancelarla"
	textBookLockBusy     = "Estoy terminando de reservar. Confirma de nuevo en unos segundos."
	textBookUncertain    = "No he podido confirmar ahora mismo. Vuelve a intentarlo en unos segundos, por favor."
	textBookError        = "Ocurrió un error al confirmar la reserva, inténtalo de nuevo."
	textSlotTakenPick    = "Esa hora se acaba de ocupar 😬. Elige otra disponible:"
	textSlotTakenNoDay   = "Esa hora se acaba de ocupar y ya no quedan huecos ese día 😬"
	textAnythingElse     = "¿Quieres hacer algo más? (*si*/*no*)"
	textBookFarewell     = "¡Genial! Gracias por reservar. ¡Que tengas un buen día! 👋"
	textBackToMenu       = "Perfecto, te muestro el menú para continuar."

	textAskCancelPhone    = "Dime el teléfono📞 con el que hiciste la reserva que quieres cancelar."
	textAskCancelPhoneAlt = "Escribe el teléfono📞 con el que hiciste la reserva que quieres cancelar."
	textPhoneInvalid      = "El teléfono no es válido, ¿Puedes escribirlo de nuevo?"
	textNoReservations    = "No encuentro reservas con ese teléfono. ¿Quieres intentar con otro número? (*si*/*no*)"
	textRetryOtherNumber  = "¿Quieres intentar con otro número? (*si*/*no*)"
	textRetryDeclined     = "De acuerdo👌🏽, te devuelvo al menú principal."
	textSeveralFound      = "Tienes más de una reserva"
	textPickReservation   = "Por favor, elige una reserva de las disponibles."
	textCancelStopped     = "Cancelación detenida. Te muestro el menú para continuar."
	textConfirmCancel     = "¿Confirmas la cancelación de esa reserva? (*si*/*no*)"
	textCancelYesNo       = "👉 Responde *si* para confirmar la cancelación\n👉 Responde *no* para cancelar la cancelación"
	textCancelDeclined    = "De acuerdo👌🏽, no la cancelamos, te devuelvo al menú principal."
	textCancelNotFound    = "No encontré la reserva a cancelar."
	textCancelLockBusy    = "Ahora mismo estoy terminando otra operación. Intenta cancelar de nuevo en unos segundos."
	textCancelFailed      = "No he podido cancelar en este momento, inténtalo más tarde."
	textCancelError       = "Ocurrió un error al cancelar la reserva, inténtalo de nuevo."
	textRIDNotFound       = "No encontré esa reserva. Escribe el teléfono con el que hiciste la reserva."
	textRIDPastHasPhone   = "Esa reserva ya ha pasado. ¿Qué reserva quieres cancelar?"
	textRIDPastNoPhone    = "Esa reserva ya ha pasado. Escribe el teléfono para ver tus reservas futuras."
	textCancelFarewell    = "Entendido. ¡Que tengas un buen día! 👋"
	textCancelBackToMenu  = "Perfecto, te muestro el menú para continuar"

	textAskQuestion    = "Escríbeme tu duda y te ayudo con lo que necesites.❓"
	textFAQFailed      = "No he podido consultar la información. Intentalo más tarde."
	textAnotherDoubt   = "¿Tienes otra duda? (*si*/*no*)"
	textTellMeMore     = "¡Perfecto! Cuéntame tu otra duda.❓"
	textFAQFarewell    = "¡Perfecto! Si necesitas algo más, aquí estoy.👋"
	textAnotherDoubtQM = "¿Tienes otra duda? (*si*/*no*)."
)

func welcomeText(shop *shops.Shop) string {
	return fmt.Sprintf("¡Hola! Soy la secretaria virtual de la %s %s ✂️✨\n(Escribe «menu» en cualquier momento para volver aquí)",
		shop.BusinessLabel(), shop.Name)
}

func returnText(shop *shops.Shop) string {
	return fmt.Sprintf("Menú principal de la %s %s ✂️✨\n(Escribe «menu» en cualquier momento para volver aquí)",
		shop.BusinessLabel(), shop.Name)
}

func textClosedWeekday(shop *shops.Shop, weekday string) string {
	return fmt.Sprintf("La %s cierra el %s🔒, elige otra fecha.", shop.BusinessLabel(), weekday)
}

func textClosedHoliday(shop *shops.Shop, dateES string) string {
	return fmt.Sprintf("La %s está cerrada el %s (festivo) 🔒, elige otra fecha.", shop.BusinessLabel(), dateES)
}

func textClosedRecurring(shop *shops.Shop) string {
	return fmt.Sprintf("La %s cierra ese día (festivo) 🔒, elige otra fecha.", shop.BusinessLabel())
}

func textAskAMPM(am, pm string) string {
	return fmt.Sprintf("¿Es por la mañana (%s) o por la tarde (%s)?", am, pm)
}

func textReAskAMPM(am, pm string) string {
	return fmt.Sprintf("¿Por la mañana (%s) o por la tarde (%s)?", am, pm)
}

func textBookConfirmed(shop *shops.Shop, dateISO, hour string) string {
	return fmt.Sprintf("✅ ¡Reserva confirmada en %s! Te espero el %s a las %s.",
		shop.Name, availability.FormatDateES(dateISO), hour)
}

func textCancelSummary(dateISO, hour string) string {
	return fmt.Sprintf("Vas a cancelar la reserva del %s a las %s. ¿Confirmas la cancelación? (*si*/*no*)",
		availability.FormatDateES(dateISO), hour)
}

// appendDateHints extends msg with the forward dates that still have
// openings, then the closing ask exactly as each caller phrases it.
func appendDateHints(msg string, dates []string, closing string) string {
	if len(dates) > 0 {
		msg += ". Fechas próximas con hueco:\n" + strings.Join(dates, "\n")
	}
	return msg + closing
}
