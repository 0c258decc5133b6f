package cdp

import (
	"encoding/json"
	"fmt"

	"github.com/dgnsrekt/webreplay/internal/locator"
)

const (
	eventBinding    = "__webreplayEvent"
	mutationBinding = "__webreplayMutation"
)

// jsObserver pings the mutation binding, at most once per task, whenever
// the DOM changes or the document advances through its load lifecycle.
const jsObserver = `(function(){
  if (window.__webreplayObserver) return;
  window.__webreplayObserver = true;
  var pending = false;
  function ping() {
    if (pending || typeof window.` + mutationBinding + ` !== "function") return;
    pending = true;
    setTimeout(function(){
      pending = false;
      try { window.` + mutationBinding + `(document.readyState); } catch (_) {}
    }, 0);
  }
  function start() {
    new MutationObserver(ping).observe(document.documentElement || document,
      {subtree:true, childList:true, attributes:true, characterData:true});
  }
  if (document.documentElement) start(); else document.addEventListener("DOMContentLoaded", start);
  document.addEventListener("readystatechange", ping);
  window.addEventListener("load", ping);
  window.addEventListener("transitionend", ping, true);
  window.addEventListener("animationend", ping, true);
})();`

// jsCapture installs capture-phase listeners that report raw interactions
// through the event binding. Each target is described as a target-first
// ancestor chain so locators can be derived outside the page.
const jsCapture = `(function(opts){
  if (window.__webreplayCaptureStop) window.__webreplayCaptureStop();
  function describe(el) {
    var chain = [];
    for (; el && el.nodeType === 1; el = el.parentElement) {
      var attrs = [];
      for (var i = 0; i < el.attributes.length; i++) {
        attrs.push({name: el.attributes[i].name, value: el.attributes[i].value});
      }
      var tag = el.tagName, idx = 1, count;
      for (var s = el.previousElementSibling; s; s = s.previousElementSibling) if (s.tagName === tag) idx++;
      count = idx;
      for (var n = el.nextElementSibling; n; n = n.nextElementSibling) if (n.tagName === tag) count++;
      chain.push({tag: tag.toLowerCase(), attrs: attrs, index: idx, count: count});
    }
    return chain;
  }
  function origin(e) {
    var t = typeof e.composedPath === "function" ? e.composedPath()[0] : e.target;
    return t && t.nodeType === 1 ? t : e.target;
  }
  function send(p) {
    p.location = location.href;
    try { window.` + eventBinding + `(JSON.stringify(p)); } catch (_) {}
  }
  var handlers = {
    click: function(e){ send({type:"click", chain: describe(origin(e))}); },
    scroll: function(){ send({type:"scroll", x: window.scrollX, y: window.scrollY}); },
    change: function(e){
      var t = origin(e);
      send({type:"change", chain: describe(t), value: t && "value" in t ? String(t.value) : ""});
    },
    keydown: function(e){ send({type:"keydown", chain: describe(origin(e)), key: e.key}); }
  };
  var types = opts.inputs ? ["click","scroll","change","keydown"] : ["click","scroll"];
  function host(t) { return t === "scroll" ? window : document; }
  types.forEach(function(t){ host(t).addEventListener(t, handlers[t], true); });
  window.__webreplayCaptureStop = function(){
    types.forEach(function(t){ host(t).removeEventListener(t, handlers[t], true); });
    delete window.__webreplayCaptureStop;
  };
})(%s);`

const jsCaptureStop = `(function(){ if (window.__webreplayCaptureStop) window.__webreplayCaptureStop(); })();`

// jsResolveHelpers resolves a locator expression and applies the replay
// visibility rule: rendered, not hidden, not transparent, laid out.
const jsResolveHelpers = `
function _wrResolve(syntax, expr) {
  try {
    if (syntax === "xpath") {
      return document.evaluate(expr, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
    }
    return document.querySelector(expr);
  } catch (_) { return null; }
}
function _wrVisible(el) {
  var cs = window.getComputedStyle(el);
  if (cs.display === "none" || cs.visibility === "hidden" || cs.visibility === "collapse") return false;
  for (var p = el; p && p.nodeType === 1; p = p.parentElement) {
    if (parseFloat(window.getComputedStyle(p).opacity) === 0) return false;
  }
  return el.offsetParent !== null || cs.position === "fixed";
}
function _wrTarget(syntax, expr) {
  var el = _wrResolve(syntax, expr);
  if (!el) throw {code: "` + CodeNotFound + `", message: "element not found: " + expr};
  return el;
}
`

func jsString(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func jsJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// buildIIFE wraps body so every evaluation returns a JSON envelope string.
// Thrown {code, message} objects keep their code.
func buildIIFE(body string) string {
	return `(function(){
try {
` + jsResolveHelpers + body + `
} catch (err) {
var code = err && err.code || "` + CodeEvalFailure + `";
return JSON.stringify({ok:false,error_code:code,error_message:String(err && err.message || err)});
}
})()`
}

func locatorArgs(loc locator.Locator) string {
	return jsString(string(loc.QuerySyntax())) + ", " + jsString(loc.Expression())
}

func jsCaptureInstall(inputs bool) string {
	return fmt.Sprintf(jsCapture, jsJSON(map[string]bool{"inputs": inputs}))
}

func jsProbe(loc locator.Locator) string {
	return buildIIFE(`var el = _wrResolve(` + locatorArgs(loc) + `);
return JSON.stringify({ok:true,data:{found: !!el, visible: !!el && _wrVisible(el)}});`)
}

func jsClick(loc locator.Locator) string {
	return buildIIFE(`var el = _wrTarget(` + locatorArgs(loc) + `);
if (typeof el.scrollIntoView === "function") el.scrollIntoView({block:"center", inline:"center"});
el.click();
return JSON.stringify({ok:true});`)
}

// jsSetValue goes through the prototype's value setter so frameworks that
// track the property see the change, then fires input and change.
func jsSetValue(loc locator.Locator, value string) string {
	return buildIIFE(`var el = _wrTarget(` + locatorArgs(loc) + `);
if (typeof el.focus === "function") el.focus();
var desc = Object.getOwnPropertyDescriptor(Object.getPrototypeOf(el), "value");
if (desc && desc.set) desc.set.call(el, ` + jsString(value) + `); else el.value = ` + jsString(value) + `;
el.dispatchEvent(new Event("input", {bubbles:true}));
el.dispatchEvent(new Event("change", {bubbles:true}));
return JSON.stringify({ok:true});`)
}

func jsFocus(loc locator.Locator) string {
	return buildIIFE(`var el = _wrTarget(` + locatorArgs(loc) + `);
if (typeof el.focus === "function") el.focus();
return JSON.stringify({ok:true});`)
}

func jsScrollTo(x, y float64) string {
	return buildIIFE(fmt.Sprintf(`window.scrollTo(%s, %s);
return JSON.stringify({ok:true});`, jsJSON(x), jsJSON(y)))
}

const jsReadyState = `(function(){ return JSON.stringify({ok:true,data:document.readyState}); })()`
