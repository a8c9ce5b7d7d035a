package prompt

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

// keywords are the banner labels a language profile's webshops commonly use.
type keywords struct {
	Accept      []string
	Decline     []string
	Preferences []string
	Save        []string
	Close       []string
}

var consentKeywords = map[crawler.Language]keywords{
	crawler.LanguageDutch: {
		Accept:      []string{"Accepteren", "Alles accepteren", "Akkoord"},
		Decline:     []string{"Weigeren", "Alles weigeren", "Alleen noodzakelijke cookies"},
		Preferences: []string{"Voorkeuren", "Cookies beheren", "Instellingen"},
		Save:        []string{"Voorkeuren opslaan", "Selectie opslaan"},
		Close:       []string{"Sluiten"},
	},
	crawler.LanguageGerman: {
		Accept:      []string{"Akzeptieren", "Alle akzeptieren", "Zustimmen"},
		Decline:     []string{"Ablehnen", "Alle ablehnen", "Nur notwendige Cookies"},
		Preferences: []string{"Einstellungen", "Cookies verwalten", "Anpassen"},
		Save:        []string{"Einstellungen speichern", "Auswahl speichern"},
		Close:       []string{"Schließen"},
	},
	crawler.LanguageFrench: {
		Accept:      []string{"Accepter", "Tout accepter", "J'accepte"},
		Decline:     []string{"Refuser", "Tout refuser", "Continuer sans accepter"},
		Preferences: []string{"Paramètres", "Gérer les cookies", "Personnaliser"},
		Save:        []string{"Enregistrer mes choix", "Enregistrer"},
		Close:       []string{"Fermer"},
	},
	crawler.LanguageSpanish: {
		Accept:      []string{"Aceptar", "Aceptar todo", "Aceptar cookies"},
		Decline:     []string{"Rechazar", "Rechazar todo", "Solo cookies necesarias"},
		Preferences: []string{"Configuración", "Gestionar cookies", "Personalizar"},
		Save:        []string{"Guardar preferencias", "Guardar selección"},
		Close:       []string{"Cerrar"},
	},
	crawler.LanguageItalian: {
		Accept:      []string{"Accetta", "Accetta tutto", "Accetto"},
		Decline:     []string{"Rifiuta", "Rifiuta tutto", "Solo cookie necessari"},
		Preferences: []string{"Preferenze", "Gestisci cookie", "Personalizza"},
		Save:        []string{"Salva preferenze", "Salva selezione"},
		Close:       []string{"Chiudi"},
	},
	crawler.LanguageSwedish: {
		Accept:      []string{"Acceptera", "Acceptera alla", "Godkänn"},
		Decline:     []string{"Avvisa", "Neka alla", "Endast nödvändiga cookies"},
		Preferences: []string{"Inställningar", "Hantera cookies", "Anpassa"},
		Save:        []string{"Spara inställningar", "Spara val"},
		Close:       []string{"Stäng"},
	},
}

// ConsentDirective returns the banner-handling instruction for a consent mode
// and language profile. The output depends on nothing else.
func ConsentDirective(mode crawler.ConsentMode, lang crawler.Language) string {
	kw := consentKeywords[lang]
	var b strings.Builder
	if mode == crawler.ConsentDecline {
		b.WriteString("Decline cookies, wait for a moment and close any other pop-ups. ")
		b.WriteString("If there is no obvious cookie dialogue upon loading the website, do not go looking for one.\n\n")
		b.WriteString("# DECLINE INSTRUCTIONS\n")
		fmt.Fprintf(&b, "- Prioritize searching for options such as 'Decline', 'Refuse' or 'Only necessary cookies'%s.\n",
			localized(lang, kw.Decline))
		fmt.Fprintf(&b, "- Only if there is no straightforward option to decline the cookies, search for options such as "+
			"'Preferences', 'Manage preferences', 'Manage cookies' or 'Personalise cookies'%s. ", localized(lang, kw.Preferences))
		fmt.Fprintf(&b, "Choose to reject or decline cookies in the submenu and save preferences or selection if required "+
			"(search for options such as 'Save preferences' or 'Save selection'%s).\n\n", localized(lang, kw.Save))
		b.WriteString("# NOTES\n")
		fmt.Fprintf(&b, "- The additional pop-ups can usually be closed by clicking on the 'X' or options such as 'Close'%s.\n",
			localized(lang, kw.Close))
		b.WriteString("- When asked for multiple versions of the webshop, choose the option that stays on the current webshop.\n\n")
	} else {
		b.WriteString("Accept cookies, wait for a moment and close any other pop-ups. ")
		b.WriteString("If there is no obvious cookie dialogue upon loading the website, do not scroll down to look for it.\n\n")
		b.WriteString("# ACCEPT INSTRUCTIONS\n")
		fmt.Fprintf(&b, "- Search for options such as 'Accept', 'Accept all' or 'Agree'%s.\n", localized(lang, kw.Accept))
		b.WriteString("\n# NOTES\n")
		fmt.Fprintf(&b, "- The additional pop-ups can usually be closed by clicking on the 'X' or options such as 'Close'%s.\n",
			localized(lang, kw.Close))
		fmt.Fprintf(&b, "- When asked for multiple versions of the webshop, choose the %s webshop.\n\n", lang.Title())
	}
	b.WriteString("This part is complete once there is no cookie dialogue or pop-up.")
	return b.String()
}

func localized(lang crawler.Language, words []string) string {
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = "'" + w + "'"
	}
	return fmt.Sprintf(" (in %s: %s)", lang.Title(), strings.Join(quoted, ", "))
}
