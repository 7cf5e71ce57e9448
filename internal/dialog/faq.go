package dialog

import (
	"context"

	"github.com/agendabot/agendabot/internal/nlu"
	"github.com/agendabot/agendabot/internal/shops"
)

func (e *Engine) stepDuda(ctx context.Context, sid string, sess *Session, shop *shops.Shop, text string) (*Reply, error) {
	answer, err := e.answerQuestion(ctx, shop, text)
	if err != nil {
		e.logger.WithShop(shop.ID, shop.Name).WithSession(sid).Warn("faq answer failed", "error", err)
		if rerr := e.sessions.Reset(ctx, sid, true); rerr != nil {
			return nil, rerr
		}
		return reply(textFAQFailed), nil
	}
	sess.Step = StepDudaConfirmar
	if err := e.sessions.Save(ctx, sid, sess); err != nil {
		return nil, err
	}
	return reply(answer + "\n\n" + textAnotherDoubt), nil
}

// stepDudaConfirmar checks the yes first: a reply like "si, no me quedó
// claro" must open another question, not close the flow.
func (e *Engine) stepDudaConfirmar(ctx context.Context, sid string, sess *Session, text string) (*Reply, error) {
	if nlu.IsAffirmative(text) {
		sess.Step = StepDuda
		if err := e.sessions.Save(ctx, sid, sess); err != nil {
			return nil, err
		}
		return reply(textTellMeMore), nil
	}
	if nlu.IsDenial(text) {
		if err := e.sessions.Reset(ctx, sid, true); err != nil {
			return nil, err
		}
		return reply(textFAQFarewell), nil
	}
	return reply(textAnotherDoubtQM), nil
}

func (e *Engine) answerQuestion(ctx context.Context, shop *shops.Shop, text string) (string, error) {
	if e.itp == nil {
		return "", nlu.ErrNoUnderstand
	}
	return e.itp.Question(ctx, shop, text)
}
