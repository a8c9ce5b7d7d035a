package prompt

// ProductDirective instructs the agent to put one in-stock product in the cart.
const ProductDirective = `Find and add a product to cart on the current website.

# SEARCHING A PRODUCT
- Go to the product page of one of the products.

# ADDING A PRODUCT TO THE CART
- Do not favourite or add a product to the wishlist, but add the product to cart.
- Adding a product to the cart may require choosing a specific colour or size first (represented as buttons or a dropdown menu). Always choose an option that is in stock.
- When a product is out of stock, return to the product overview page and choose another product to add to the cart.

# GO TO CART OVERVIEW
- Once the product has been added to the cart, on most websites, one can go to the cart overview by clicking on the icon on the top right of the page, or by clicking the checkout button.
- Search for options such as 'Go to shopping cart' after the product has been added to the cart.

This part is complete once the cart overview is shown and a product is in the cart.`
